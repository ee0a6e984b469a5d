package netguard

import (
	"regexp"
	"strings"
)

// RewriteResult reports whether a rewrite rule fired and, if so, which
// source-hosting platform it recognized.
type RewriteResult struct {
	URL         string
	Transformed bool
	Platform    string
}

var (
	reGithubBlob  = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/blob/([^/]+)/(.+)$`)
	reGithubRaw   = regexp.MustCompile(`^https://raw\.githubusercontent\.com/`)
	reGistView    = regexp.MustCompile(`^https://gist\.github\.com/([^/]+)/([0-9a-fA-F]+)(?:/raw/([^#?]+))?(?:#file-(.+))?$`)
	reGistRaw     = regexp.MustCompile(`^https://gist\.githubusercontent\.com/`)
	reGitlabBlob  = regexp.MustCompile(`^(https://gitlab\.com/(.+))/-/blob/([^/]+)/(.+)$`)
	reGitlabRaw   = regexp.MustCompile(`/-/raw/`)
	reBitbucketSrc = regexp.MustCompile(`^(https://bitbucket\.org/([^/]+)/([^/]+))/src/([^/]+)/(.+)$`)
	reBitbucketRaw = regexp.MustCompile(`/raw/`)
)

// Rewrite applies an ordered set of source-hosting rewrite rules (GitHub,
// Gist, GitLab, Bitbucket) that turn a browsable blob/src URL into its raw
// content URL. Inputs that are already raw (detected by the platform's
// raw-host substring) are returned
// unchanged with Transformed=false, making Rewrite idempotent:
// Rewrite(Rewrite(u).URL) == Rewrite(u).
func Rewrite(raw string) RewriteResult {
	switch {
	case reGithubRaw.MatchString(raw):
		return RewriteResult{URL: raw}
	case reGistRaw.MatchString(raw):
		return RewriteResult{URL: raw}
	case strings.Contains(raw, "gitlab.com") && reGitlabRaw.MatchString(raw):
		return RewriteResult{URL: raw}
	case strings.Contains(raw, "bitbucket.org") && reBitbucketRaw.MatchString(raw):
		return RewriteResult{URL: raw}
	}

	if m := reGithubBlob.FindStringSubmatch(raw); m != nil {
		owner, repo, branch, path := m[1], m[2], m[3], m[4]
		return RewriteResult{
			URL:         "https://raw.githubusercontent.com/" + owner + "/" + repo + "/" + branch + "/" + path,
			Transformed: true,
			Platform:    "github",
		}
	}
	if m := reGistView.FindStringSubmatch(raw); m != nil {
		user, id, file, slug := m[1], m[2], m[3], m[4]
		url := "https://gist.githubusercontent.com/" + user + "/" + id + "/raw"
		switch {
		case file != "":
			url += "/" + file
		case slug != "":
			url += "/" + dashesToDots(slug)
		}
		return RewriteResult{URL: url, Transformed: true, Platform: "gist"}
	}
	if m := reGitlabBlob.FindStringSubmatch(raw); m != nil {
		origin, branch, file := m[1], m[3], m[4]
		return RewriteResult{
			URL:         origin + "/-/raw/" + branch + "/" + file,
			Transformed: true,
			Platform:    "gitlab",
		}
	}
	if m := reBitbucketSrc.FindStringSubmatch(raw); m != nil {
		origin, branch, file := m[1], m[4], m[5]
		return RewriteResult{
			URL:         origin + "/raw/" + branch + "/" + file,
			Transformed: true,
			Platform:    "bitbucket",
		}
	}
	return RewriteResult{URL: raw}
}

// dashesToDots converts a gist fragment slug (the part after "#file-") like
// "main-go" into the filename form "main.go" gist raw URLs expect: the last
// dash becomes a dot. Gist slugs replace every "." with
// "-" and lower-case the name, so this best-effort reverses single-dot
// filenames (the overwhelmingly common case: foo.py, bar.md, ...).
func dashesToDots(slug string) string {
	idx := strings.LastIndexByte(slug, '-')
	if idx < 0 {
		return slug
	}
	return slug[:idx] + "." + slug[idx+1:]
}
