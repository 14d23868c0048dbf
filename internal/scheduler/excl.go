package scheduler

import (
	"fmt"
	"net/netip"
	"regexp"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
)

// ExclMatcher decides whether a target is forbidden by exclusion rules.
// It is immutable once built.
type ExclMatcher struct {
	networks []netip.Prefix
	regexes  []*regexp.Regexp
}

// NewExclMatcher compiles exclusion rules. An invalid network or regex is a
// configuration error.
func NewExclMatcher(rules []*db.Excl) (*ExclMatcher, error) {
	m := &ExclMatcher{}
	for _, rule := range rules {
		switch rule.Family {
		case db.ExclNetwork:
			prefix, err := parseExclNetwork(rule.Value)
			if err != nil {
				return nil, errors.WrapConfigError(errors.CodeConfiguration,
					fmt.Sprintf("invalid exclusion network %q", rule.Value), err)
			}
			m.networks = append(m.networks, prefix)
		case db.ExclRegex:
			re, err := regexp.Compile(rule.Value)
			if err != nil {
				return nil, errors.WrapConfigError(errors.CodeConfiguration,
					fmt.Sprintf("invalid exclusion regex %q", rule.Value), err)
			}
			m.regexes = append(m.regexes, re)
		default:
			return nil, errors.ErrConfigInvalid("excl.family", rule.Family)
		}
	}
	return m, nil
}

func parseExclNetwork(value string) (netip.Prefix, error) {
	if addr, err := netip.ParseAddr(value); err == nil {
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}

// Match reports whether the target is excluded. Network rules match when the
// address span of the target overlaps the rule network; regex rules search
// the raw target string.
func (m *ExclMatcher) Match(target string) bool {
	if len(m.networks) > 0 {
		if first, last, ok := TargetRange(target); ok {
			for _, network := range m.networks {
				if overlaps(network, first, last) {
					return true
				}
			}
		}
	}

	for _, re := range m.regexes {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

// Filter returns the targets that are not excluded, keeping their order.
func (m *ExclMatcher) Filter(targets []string) []string {
	kept := make([]string, 0, len(targets))
	for _, target := range targets {
		if !m.Match(target) {
			kept = append(kept, target)
		}
	}
	return kept
}

// Len returns the number of compiled rules.
func (m *ExclMatcher) Len() int {
	return len(m.networks) + len(m.regexes)
}
