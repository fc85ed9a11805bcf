package privacy

import (
	"net/url"
	"strings"
)

// Filter decides whether a URL may be ingested based on deny and allow
// host lists. The deny list always wins; a non-empty allow list turns
// the filter into allow-only mode.
type Filter struct {
	deny  []string
	allow []string
}

// NewFilter creates a filter from the given host lists. Entries are
// hostnames, matched exactly or as a parent domain of the URL's host.
func NewFilter(deny, allow []string) *Filter {
	return &Filter{deny: normalizeHosts(deny), allow: normalizeHosts(allow)}
}

// Blocked reports whether the URL must not be ingested. Unparseable
// URLs and URLs without a host are blocked.
func (f *Filter) Blocked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return true
	}

	for _, d := range f.deny {
		if hostMatches(host, d) {
			return true
		}
	}

	if len(f.allow) == 0 {
		return false
	}
	for _, a := range f.allow {
		if hostMatches(host, a) {
			return false
		}
	}
	return true
}

// hostMatches reports whether host equals pattern or is a subdomain of it.
func hostMatches(host, pattern string) bool {
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
