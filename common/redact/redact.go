// Package redact strips credentials from strings before they are logged.
//
// Connection URLs (redis://, amqp://, the DMS base URL) routinely embed a
// password, and DMS basic-auth credentials travel with every ACL sync call.
// None of them may reach a log line or an audit-room notice.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are ignored so that common
// substrings are not mangled.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// URL returns raw with any userinfo password replaced by [REDACTED]. Strings
// that do not parse as URLs are returned fully redacted, since they cannot be
// inspected safely.
func URL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return placeholder
	}
	if u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); !has {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return strings.Replace(u.String(), ":xxxxx@", ":"+placeholder+"@", 1)
}
