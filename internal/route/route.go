// Package route maps inbound request paths to upstream targets.
package route

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"edge-gateway-go/internal/config"
)

// Rule maps an inbound path prefix to an upstream base URL.
// Rules are immutable once the Table is built.
type Rule struct {
	Name         string
	Prefix       string
	StripPrefix  bool
	ChangeOrigin bool
	Upstream     *url.URL
}

// Rewrite reports whether path falls under the rule's prefix and, if so,
// returns the path to send upstream. Matching is on a segment boundary:
// "/api" matches "/api" and "/api/x" but not "/apix".
func Rewrite(rule *Rule, path string) (string, bool) {
	if !hasSegmentPrefix(path, rule.Prefix) {
		return "", false
	}
	if !rule.StripPrefix {
		return path, true
	}

	rest := path[len(rule.Prefix):]
	if rest == "" {
		return "/", true
	}
	if rest[0] != '/' {
		// Only reachable when the prefix itself ends in '/'.
		return "/" + rest, true
	}
	return rest, true
}

func hasSegmentPrefix(path, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// Target returns the absolute upstream URL for an already rewritten path.
// escapedPath is in wire form; its percent-encoding is sent upstream as is.
// The upstream base path, if any, is joined with a single slash.
func (r *Rule) Target(escapedPath, rawQuery string) *url.URL {
	u := *r.Upstream
	raw := singleJoiningSlash(r.Upstream.EscapedPath(), escapedPath)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	u.Path = decoded
	u.RawPath = raw
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u
}

func singleJoiningSlash(a, b string) string {
	if a == "" || a == "/" {
		return b
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// PoolKey identifies the connection pool an upstream belongs to.
func PoolKey(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Hostname(), port)
}

// Table holds the configured rules, longest prefix first.
type Table struct {
	rules []*Rule
}

// NewTable builds a Table. The given slice is copied.
func NewTable(rules []*Rule) *Table {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Table{rules: sorted}
}

// FromConfig builds a Table from validated route settings.
func FromConfig(routes []config.RouteConfig) (*Table, error) {
	rules := make([]*Rule, 0, len(routes))
	for _, rc := range routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: parse upstream: %w", rc.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("route %q: upstream %q must be an absolute http(s) URL", rc.Name, rc.Upstream)
		}
		rules = append(rules, &Rule{
			Name:         rc.Name,
			Prefix:       rc.Prefix,
			StripPrefix:  rc.StripPrefixEnabled(),
			ChangeOrigin: rc.ChangeOriginEnabled(),
			Upstream:     u,
		})
	}
	return NewTable(rules), nil
}

// Match returns the first rule whose prefix covers path, along with the
// rewritten outbound path. path is matched in its escaped wire form, so an
// encoded prefix character never matches a literal one.
func (t *Table) Match(path string) (*Rule, string, bool) {
	for _, r := range t.rules {
		if out, ok := Rewrite(r, path); ok {
			return r, out, true
		}
	}
	return nil, "", false
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Prefixes returns the configured prefixes in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.Prefix)
	}
	return out
}
