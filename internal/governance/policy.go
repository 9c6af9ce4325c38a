// SPDX-License-Identifier: Apache-2.0

// Package governance decides whether a replayed action may run.
package governance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/adiadia/visual-replay/internal/domain"
)

var ErrDenied = errors.New("action denied by policy")

// Policy holds navigate URL patterns. Deny patterns win over allow
// patterns; with no allow patterns every URL not denied is allowed.
type Policy struct {
	allow []pattern
	deny  []pattern
}

type pattern struct {
	src string
	g   glob.Glob
}

func NewPolicy(allow, deny []string) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.allow, err = compile(allow); err != nil {
		return nil, fmt.Errorf("allow pattern: %w", err)
	}
	if p.deny, err = compile(deny); err != nil {
		return nil, fmt.Errorf("deny pattern: %w", err)
	}
	return p, nil
}

func compile(srcs []string) ([]pattern, error) {
	out := make([]pattern, 0, len(srcs))
	for _, s := range srcs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		// '.' and '/' are not separators so "*" spans hosts and paths
		g, err := glob.Compile(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, pattern{src: s, g: g})
	}
	return out, nil
}

// Check returns an error wrapping ErrDenied when the action is refused.
// A nil Policy allows everything.
func (p *Policy) Check(a domain.Action) error {
	if p == nil {
		return nil
	}
	nav, ok := a.(domain.NavigateAction)
	if !ok {
		return nil
	}

	target := strings.ToLower(strings.TrimSpace(nav.URL))
	for _, d := range p.deny {
		if d.g.Match(target) {
			return fmt.Errorf("%w: %s matches %s", ErrDenied, nav.URL, d.src)
		}
	}
	if len(p.allow) == 0 {
		return nil
	}
	for _, al := range p.allow {
		if al.g.Match(target) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allow list", ErrDenied, nav.URL)
}
