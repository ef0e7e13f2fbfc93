// Package router resolves the destination queue for a task name.
package router

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard marks a prefix pattern when it is the last character.
const Wildcard = "*"

// Rule sends tasks matching Pattern to Queue. Pattern is either an exact task
// name or a literal prefix followed by Wildcard.
type Rule struct {
	Pattern string `mapstructure:"pattern" json:"pattern"`
	Queue   string `mapstructure:"queue" json:"queue"`
}

type compiled struct {
	Rule
	literal string
	prefix  bool
	order   int
}

func (c compiled) match(name string) bool {
	if c.prefix {
		return strings.HasPrefix(name, c.literal)
	}
	return name == c.literal
}

// Router is immutable after New and safe for concurrent use without locking.
type Router struct {
	rules []compiled
}

// New orders rules by literal length (longest first). Ties keep declaration
// order, except that an exact pattern beats a wildcard of the same length.
func New(rules []Rule) (*Router, error) {
	out := make([]compiled, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" || r.Queue == "" {
			return nil, fmt.Errorf("route %d: pattern and queue are required", i)
		}
		c := compiled{Rule: r, literal: r.Pattern, order: i}
		if strings.HasSuffix(r.Pattern, Wildcard) {
			c.prefix = true
			c.literal = strings.TrimSuffix(r.Pattern, Wildcard)
		}
		if strings.Contains(c.literal, Wildcard) {
			return nil, fmt.Errorf("route %q: wildcard is only allowed as the last character", r.Pattern)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.literal) != len(b.literal) {
			return len(a.literal) > len(b.literal)
		}
		if a.prefix != b.prefix {
			return !a.prefix
		}
		return a.order < b.order
	})
	return &Router{rules: out}, nil
}

// Resolve returns the queue of the first matching rule, or defaultQueue.
func (r *Router) Resolve(task, defaultQueue string) string {
	if q, ok := r.Match(task); ok {
		return q
	}
	return defaultQueue
}

// Match returns the queue of the first matching rule.
func (r *Router) Match(task string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, c := range r.rules {
		if c.match(task) {
			return c.Queue, true
		}
	}
	return "", false
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, c := range r.rules {
		out[i] = c.Rule
	}
	return out
}

// Queues returns the distinct destination queues.
func (r *Router) Queues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range r.rules {
		if _, ok := seen[c.Queue]; !ok {
			seen[c.Queue] = struct{}{}
			out = append(out, c.Queue)
		}
	}
	sort.Strings(out)
	return out
}
