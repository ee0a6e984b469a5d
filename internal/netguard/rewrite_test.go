package netguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewrite(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		want     string
		wantXfrm bool
		wantPlat string
	}{
		{
			name:     "github blob",
			in:       "https://github.com/o/r/blob/main/p/a.md",
			want:     "https://raw.githubusercontent.com/o/r/main/p/a.md",
			wantXfrm: true,
			wantPlat: "github",
		},
		{
			name: "already raw github",
			in:   "https://raw.githubusercontent.com/o/r/main/p/a.md",
			want: "https://raw.githubusercontent.com/o/r/main/p/a.md",
		},
		{
			name:     "gist with file",
			in:       "https://gist.github.com/user/abc123/raw/file.py",
			want:     "https://gist.githubusercontent.com/user/abc123/raw/file.py",
			wantXfrm: true,
			wantPlat: "gist",
		},
		{
			name:     "gist with fragment",
			in:       "https://gist.github.com/user/abc123#file-main-go",
			want:     "https://gist.githubusercontent.com/user/abc123/raw/main.go",
			wantXfrm: true,
			wantPlat: "gist",
		},
		{
			name:     "gitlab blob",
			in:       "https://gitlab.com/group/project/-/blob/main/file.go",
			want:     "https://gitlab.com/group/project/-/raw/main/file.go",
			wantXfrm: true,
			wantPlat: "gitlab",
		},
		{
			name:     "bitbucket src",
			in:       "https://bitbucket.org/owner/repo/src/main/file.go",
			want:     "https://bitbucket.org/owner/repo/raw/main/file.go",
			wantXfrm: true,
			wantPlat: "bitbucket",
		},
		{
			name: "unrelated url unchanged",
			in:   "https://example.com/page",
			want: "https://example.com/page",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Rewrite(tc.in)
			assert.Equal(t, tc.want, got.URL)
			assert.Equal(t, tc.wantXfrm, got.Transformed)
			assert.Equal(t, tc.wantPlat, got.Platform)
		})
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	inputs := []string{
		"https://github.com/o/r/blob/main/p/a.md",
		"https://gitlab.com/group/project/-/blob/main/file.go",
		"https://bitbucket.org/owner/repo/src/main/file.go",
		"https://example.com/page",
	}
	for _, in := range inputs {
		first := Rewrite(in)
		second := Rewrite(first.URL)
		assert.Equalf(t, first.URL, second.URL, "rewrite not idempotent for %q", in)
		assert.Falsef(t, second.Transformed, "second pass should be a fixed point for %q", in)
	}
}
