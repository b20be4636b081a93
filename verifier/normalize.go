package verifier

import "strings"

// NormalizeURL trims surrounding whitespace and prefixes https:// unless the
// URL already starts with http:// or https://. The scheme check is
// case-sensitive.
func NormalizeURL(raw string) string {
	url := strings.TrimSpace(raw)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	return url
}
