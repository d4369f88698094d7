// Package guard classifies paths as public or protected and decides what a
// caller may do with them. The server uses it to pick which requests need a
// bearer token; the client uses it as a fast path before navigating.
package guard

import (
	"fmt"
	"sort"
	"strings"
)

// Rule binds a path prefix to an access level. A non-empty Permission makes
// the rule tenant-scoped: access also needs an active tenant that grants it.
type Rule struct {
	Prefix     string
	Public     bool
	Permission string
}

// Policy is an immutable, longest-prefix-wins rule table. Paths matching no
// rule are protected.
type Policy struct {
	rules []Rule
}

// DefaultPublic are the server paths reachable without a session.
var DefaultPublic = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

// NewPolicy validates and orders rules. Duplicate prefixes are rejected.
func NewPolicy(rules ...Rule) (*Policy, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("guard: prefix %q must start with /", r.Prefix)
		}
		if r.Public && r.Permission != "" {
			return nil, fmt.Errorf("guard: public prefix %q cannot require %q", r.Prefix, r.Permission)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("guard: duplicate prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].Prefix) > len(out[j].Prefix) })
	return &Policy{rules: out}, nil
}

// PublicPolicy builds a policy from the default public paths plus extra.
func PublicPolicy(extra ...string) (*Policy, error) {
	prefixes := append(append([]string(nil), DefaultPublic...), extra...)
	rules := make([]Rule, 0, len(prefixes))
	seen := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		if seen[p] {
			continue
		}
		seen[p] = true
		rules = append(rules, Rule{Prefix: p, Public: true})
	}
	return NewPolicy(rules...)
}

// Match returns the most specific rule covering path.
func (p *Policy) Match(path string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	for _, r := range p.rules {
		if covers(r.Prefix, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// IsPublic reports whether path may be served without a session.
func (p *Policy) IsPublic(path string) bool {
	r, ok := p.Match(path)
	return ok && r.Public
}

// covers matches whole path segments: "/v1/auth" covers "/v1/auth/me" but
// not "/v1/authz".
func covers(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// Outcome is the guard's verdict.
type Outcome int

const (
	Allow Outcome = iota
	// Defer means session or tenant state is still loading.
	Defer
	// Redirect sends the caller to log in.
	Redirect
	// Forbid rejects an authenticated caller lacking tenant or permission.
	Forbid
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Defer:
		return "defer"
	case Redirect:
		return "redirect"
	case Forbid:
		return "forbid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Permissions is satisfied by auth.PermissionSet.
type Permissions interface {
	Has(key string) bool
}

// Input is what the caller knows at decision time.
type Input struct {
	Path string
	// Ready is false while session or active-tenant state is initializing.
	Ready         bool
	Authenticated bool
	TenantID      string
	Permissions   Permissions
}

// Decision carries the outcome and the rule that produced it.
type Decision struct {
	Outcome Outcome
	Rule    Rule
	Reason  string
}

// Decide evaluates in against the policy. Public paths are allowed in every
// state; nothing protected is redirected before state is ready.
func (p *Policy) Decide(in Input) Decision {
	rule, _ := p.Match(in.Path)
	switch {
	case rule.Public:
		return Decision{Outcome: Allow, Rule: rule, Reason: "public"}
	case !in.Ready:
		return Decision{Outcome: Defer, Rule: rule, Reason: "initializing"}
	case !in.Authenticated:
		return Decision{Outcome: Redirect, Rule: rule, Reason: "unauthenticated"}
	case rule.Permission == "":
		return Decision{Outcome: Allow, Rule: rule, Reason: "authenticated"}
	case in.TenantID == "":
		return Decision{Outcome: Forbid, Rule: rule, Reason: "no_active_tenant"}
	case in.Permissions == nil || !in.Permissions.Has(rule.Permission):
		return Decision{Outcome: Forbid, Rule: rule, Reason: "permission_denied"}
	default:
		return Decision{Outcome: Allow, Rule: rule, Reason: "permitted"}
	}
}
