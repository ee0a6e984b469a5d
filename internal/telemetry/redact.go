package telemetry

import (
	"net/url"
	"strings"
)

const redactedPlaceholder = "[invalid url]"

// redact strips userinfo and any query parameter whose (lower-cased) name
// is in secrets.
func redact(rawURL string, secrets map[string]struct{}) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return redactedPlaceholder
	}
	u.User = nil
	if len(secrets) > 0 && u.RawQuery != "" {
		q := u.Query()
		changed := false
		for key := range q {
			if _, blocked := secrets[strings.ToLower(key)]; blocked {
				q.Del(key)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}
