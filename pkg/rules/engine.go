// Package rules evaluates an optional set of expr-lang boolean
// expressions against a DNS query, as an extra blocking tier consulted
// after the static matcher has already let a name through.
package rules

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Context is the evaluation environment exposed to rule expressions.
type Context struct {
	Domain    string
	ClientIP  string
	QueryType string
	Hour      int
	Weekday   int
}

// NewContext builds a Context for the query being evaluated right now.
func NewContext(domain, clientIP, queryType string) Context {
	now := time.Now()
	return Context{
		Domain:    domain,
		ClientIP:  clientIP,
		QueryType: queryType,
		Hour:      now.Hour(),
		Weekday:   int(now.Weekday()),
	}
}

// Rule is a single named expression that evaluates to block (true) or
// not (false). There is no REDIRECT action and no priority field: the
// list order is the evaluation order, and the first rule to return
// true wins.
type Rule struct {
	Name    string
	Logic   string
	Enabled bool

	program *vm.Program
}

// Engine holds a compiled, ordered list of rules.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{}
}

// AddRule compiles rule.Logic and appends it to the engine.
func (e *Engine) AddRule(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("rules: nil rule")
	}

	program, err := expr.Compile(rule.Logic,
		expr.Env(Context{}),
		expr.AsBool(),
		expr.Function("DomainMatches",
			func(params ...any) (any, error) {
				return domainMatches(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("DomainEndsWith",
			func(params ...any) (any, error) {
				return strings.HasSuffix(strings.ToLower(params[0].(string)), strings.ToLower(params[1].(string))), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("DomainRegex",
			func(params ...any) (any, error) {
				return domainRegex(params[0].(string), params[1].(string))
			},
			new(func(string, string) bool),
		),
		expr.Function("IPInCIDR",
			func(params ...any) (any, error) {
				return ipInCIDR(params[0].(string), params[1].(string)), nil
			},
			new(func(string, string) bool),
		),
		expr.Function("QueryTypeIn",
			func(params ...any) (any, error) {
				queryType := strings.ToUpper(params[0].(string))
				for i := 1; i < len(params); i++ {
					if strings.ToUpper(params[i].(string)) == queryType {
						return true, nil
					}
				}
				return false, nil
			},
		),
	)
	if err != nil {
		return fmt.Errorf("rules: compile %q: %w", rule.Name, err)
	}

	rule.program = program

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	return nil
}

// Evaluate runs each enabled rule in order and returns (true, rule)
// for the first one that matches. An expression that errors at
// runtime is treated as non-matching and evaluation continues.
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		result, err := vm.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if blocked, ok := result.(bool); ok && blocked {
			return true, rule
		}
	}
	return false, nil
}

// Count returns the number of rules currently loaded.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func domainMatches(domain, pattern string) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)

	if strings.Contains(domain, pattern) {
		return true
	}
	if strings.HasPrefix(pattern, ".") {
		suffix := pattern[1:]
		return strings.HasSuffix(domain, pattern) || domain == suffix
	}
	return false
}

func domainRegex(domain, pattern string) (bool, error) {
	matched, err := regexp.MatchString(pattern, strings.ToLower(domain))
	if err != nil {
		return false, fmt.Errorf("rules: invalid regex %q: %w", pattern, err)
	}
	return matched, nil
}

func ipInCIDR(ipStr, cidrStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	_, ipNet, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
