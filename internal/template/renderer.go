package template

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// ErrRule marks a render aborted by a misbehaving rule.
var ErrRule = errors.New("template rule failed")

// Context is what a rule sees for one placeholder.
type Context struct {
	Iteration int
	Now       time.Time
	Rand      RandomSource
}

// Rule produces the replacement text for one placeholder.
type Rule func(c Context) string

type Option func(*Renderer)

// WithClock overrides the time source used for timestamp placeholders.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRule adds or replaces a named rule.
func WithRule(name string, rule Rule) Option {
	return func(r *Renderer) {
		name = strings.TrimSpace(name)
		if name == "" || rule == nil {
			return
		}
		r.rules[name] = rule
	}
}

// Renderer substitutes placeholders using its rule table. It holds no mutable
// state after construction and is safe for concurrent use.
type Renderer struct {
	rules map[string]Rule
	now   func() time.Time
}

func New(opts ...Option) *Renderer {
	r := &Renderer{rules: defaultRules(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Names lists the recognised placeholder names, sorted.
func (r *Renderer) Names() []string {
	out := make([]string, 0, len(r.rules))
	for k := range r.rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Render returns tmpl with every known placeholder replaced. Unknown
// placeholders and unterminated openers are left as-is. The only error is a
// rule panic, reported as ErrRule.
func (r *Renderer) Render(tmpl string, iteration int, rnd RandomSource) (string, error) {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl, nil
	}
	c := Context{Iteration: iteration, Now: r.now(), Rand: rnd}

	var b strings.Builder
	b.Grow(len(tmpl) + 64)

	rest := tmpl
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		j := strings.Index(rest[i+len(openDelim):], closeDelim)
		if j < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		raw := rest[i : i+len(openDelim)+j+len(closeDelim)]
		name := strings.TrimSpace(raw[len(openDelim) : len(raw)-len(closeDelim)])

		if rule, ok := r.rules[name]; ok {
			v, rerr := apply(name, rule, c)
			if rerr != nil {
				return "", rerr
			}
			b.WriteString(v)
		} else {
			b.WriteString(raw)
		}
		rest = rest[i+len(raw):]
	}
	return b.String(), nil
}

func apply(name string, rule Rule, c Context) (v string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrapf(ErrRule, "placeholder %q: %s", name, fmt.Sprint(p))
		}
	}()
	return rule(c), nil
}
