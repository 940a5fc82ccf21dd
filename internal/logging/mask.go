package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters whose values never reach a log line.
var sensitiveParams = map[string]bool{
	"token":        true,
	"access_token": true,
	"auth":         true,
	"key":          true,
	"api_key":      true,
	"apikey":       true,
	"secret":       true,
	"sig":          true,
	"signature":    true,
	"password":     true,
}

// minSecretSegment is the length from which a URL path segment is treated
// as an embedded secret (as in Slack and Discord webhook URLs).
const minSecretSegment = 20

// MaskCredential masks a credential, keeping a short prefix and suffix.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskURL redacts passwords, secret query parameters and token-like path
// segments from a webhook URL before it is logged. Unparseable input is
// masked as a whole.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskCredential(raw)
	}

	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		for k, vs := range q {
			if !sensitiveParams[strings.ToLower(k)] {
				continue
			}
			for i := range vs {
				vs[i] = MaskCredential(vs[i])
			}
		}
		u.RawQuery = q.Encode()
	}

	segments := strings.Split(u.Path, "/")
	for i, s := range segments {
		if len(s) >= minSecretSegment {
			segments[i] = MaskCredential(s)
		}
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""

	return u.String()
}
