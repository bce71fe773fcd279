package pipeline

import (
	"net/url"
	"strings"
)

// minContentLength is the smallest page text considered substantive.
const minContentLength = 50

// fallbackPaths are tried against the domain root when every candidate
// URL comes back thin. The Japanese paths cover common company-profile
// conventions.
var fallbackPaths = []string{
	"about", "company", "company/", "corporate", "profile",
	"gaiyo", "contact", "inquiry", "form", "ask",
}

// bareDomain extracts the lowercase hostname from a URL, stripping any
// leading dot and www. prefix so www and apex variants compare equal.
// Returns "" when the URL has no host.
func bareDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, ".")
	return strings.TrimPrefix(host, "www.")
}

// domainURL reduces a URL to scheme://host.
func domainURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// parentDir returns the URL with the last path segment removed.
func parentDir(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	p := u.Path
	if p == "" || p == "/" {
		return ""
	}
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return u.Scheme + "://" + u.Host + "/"
	}
	u.Path = p[:idx+1]
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// joinURL resolves ref against base.
func joinURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

// candidateURLs builds the fetch attempts for one search hit: the
// domain root first, then the hit itself, then its parent directory.
func candidateURLs(link string) []string {
	candidates := []string{domainURL(link), link, parentDir(link)}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
