package dynamicoidc

import "strings"

// authPagePrefixes are paths a post-login redirect must never point back at;
// landing on them after a successful callback produces redirect loops.
var authPagePrefixes = []string{"/signin", "/signup", "/reset-password"}

// ValidateReturnURL sanitizes a caller-supplied return URL. Only same-origin
// relative paths are accepted: the path must start with "/" but not "//"
// (protocol-relative URLs redirect off-origin) and must not contain a scheme
// or backslash trickery. Auth pages are substituted with "/". The empty
// string is returned for anything unsafe.
func ValidateReturnURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	// Backslashes are treated as slashes by some browsers.
	if strings.HasPrefix(raw, "/\\") || strings.ContainsAny(raw, "\r\n") {
		return ""
	}
	for _, prefix := range authPagePrefixes {
		if raw == prefix || strings.HasPrefix(raw, prefix+"/") || strings.HasPrefix(raw, prefix+"?") {
			return "/"
		}
	}
	return raw
}
