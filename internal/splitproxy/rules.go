package splitproxy

import (
	"strings"

	"github.com/turbovpn/tunnelcore/internal/netutil"
)

// Rule is a blocked-domain pattern: an exact hostname or "*.suffix".
type Rule string

// Match reports whether host is covered by the rule.  A wildcard matches
// the bare suffix and any subdomain of it, never a host that merely ends
// with the same characters.
func (r Rule) Match(host string) bool {
	pattern := string(r)
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// RuleSet is an immutable list of rules supplied at construction.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet normalizes patterns and drops empty ones.
func NewRuleSet(patterns ...string) RuleSet {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		rules = append(rules, Rule(p))
	}
	return RuleSet{rules: rules}
}

// Match reports whether any rule covers host.
func (s RuleSet) Match(host string) bool {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return false
	}
	for _, r := range s.rules {
		if r.Match(host) {
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule list.
func (s RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s RuleSet) Len() int {
	return len(s.rules)
}

var blockedDomains = []string{
	"instagram.com",
	"facebook.com",
	"twitter.com",
	"x.com",
	"youtube.com",
	"youtu.be",
	"telegram.org",
	"discord.com",
	"linkedin.com",
	"medium.com",
	"pinterest.com",
	"reddit.com",
	"soundcloud.com",
	"twitch.tv",
	"vimeo.com",
}

// DefaultBlockedDomains returns the built-in patterns: each domain as an
// exact rule and as a wildcard rule.
func DefaultBlockedDomains() []string {
	out := make([]string, 0, 2*len(blockedDomains))
	for _, d := range blockedDomains {
		out = append(out, d, "*."+d)
	}
	return out
}
