package policy

import "strings"

// NormalizeURL lower-cases text and strips the scheme, a leading "www."
// and trailing slashes. Matching is substring based, so nothing else
// about the URL is interpreted.
func NormalizeURL(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	if rest, ok := strings.CutPrefix(s, "https://"); ok {
		s = rest
	} else {
		s = strings.TrimPrefix(s, "http://")
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimRight(s, "/")
}

// urlMatches reports whether either normalized string contains the other.
// Both must be non-empty.
func urlMatches(url, pattern string) bool {
	return strings.Contains(url, pattern) || strings.Contains(pattern, url)
}
