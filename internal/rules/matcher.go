package rules

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// CompiledRule holds a rule with its pre-compiled matchers.
type CompiledRule struct {
	Rule           *Rule
	CommandMatcher *regexp.Regexp // nil if no pattern
	HostMatcher    *regexp.Regexp // nil if no host
}

// CompileRule compiles the patterns of a rule. Command patterns use glob
// syntax and match anywhere in the command line. Host patterns match the
// whole host name: exact, "*.example.com" or any glob.
func CompileRule(r *Rule) (*CompiledRule, error) {
	switch r.Action {
	case ActionAllow, ActionBlock:
	default:
		return nil, fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Pattern == "" && r.Host == "" {
		return nil, fmt.Errorf("rule needs a pattern or a host")
	}

	cr := &CompiledRule{Rule: r}
	if r.Pattern != "" {
		regex, err := globToRegex(r.Pattern)
		if err != nil {
			return nil, err
		}
		cr.CommandMatcher = regex
	}
	if r.Host != "" {
		regex, err := hostToRegex(r.Host)
		if err != nil {
			return nil, err
		}
		cr.HostMatcher = regex
	}
	return cr, nil
}

// Match reports whether every pattern of the rule matches.
func (cr *CompiledRule) Match(host, command string) bool {
	if cr.CommandMatcher != nil && !cr.CommandMatcher.MatchString(command) {
		return false
	}
	if cr.HostMatcher != nil && !cr.HostMatcher.MatchString(NormalizeHost(host)) {
		return false
	}
	return true
}

// NormalizeHost lowercases a host and strips any port.
func NormalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func globToRegex(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '*' {
			b.WriteString(".*?")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(c)))
	}
	return regexp.Compile(b.String())
}

func hostToRegex(pattern string) (*regexp.Regexp, error) {
	pattern = strings.ToLower(pattern)

	var b strings.Builder
	b.WriteString("(?i)^")
	switch {
	case strings.HasPrefix(pattern, "*."):
		// *.example.com matches example.com and any subdomain
		b.WriteString(`([a-z0-9-]+\.)*`)
		b.WriteString(regexp.QuoteMeta(pattern[2:]))
	case strings.Contains(pattern, "*"):
		parts := strings.Split(pattern, "*")
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		b.WriteString(strings.Join(parts, ".*"))
	default:
		b.WriteString(regexp.QuoteMeta(pattern))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
