// Package policy evaluates rule sets against run receipts.
package policy

import (
	"context"
	"sort"

	"accelrun/core/receipt"
)

// Verdict is deterministic given the policy and receipt inputs.
type Verdict struct {
	Allowed bool
	// Reasons names the violated rules, sorted.
	Reasons []string
}

// Policy is a named rule set.
type Policy struct {
	Name  string
	Rules []Rule
}

// Rule is a predicate a receipt must satisfy.
type Rule struct {
	Name  string
	Match func(r receipt.Receipt) bool
}

// Evaluator deterministically evaluates a policy against a receipt.
type Evaluator struct {
	Policy Policy
}

func (e Evaluator) Evaluate(ctx context.Context, r receipt.Receipt) Verdict {
	reasons := []string{}
	for _, rule := range e.Policy.Rules {
		if rule.Match == nil {
			continue
		}
		if !rule.Match(r) {
			reasons = append(reasons, rule.Name)
		}
	}
	sort.Strings(reasons)
	return Verdict{
		Allowed: len(reasons) == 0,
		Reasons: reasons,
	}
}

// NoCrash rejects runs whose worker died from a signal or a runtime fault.
func NoCrash() Rule {
	return Rule{Name: "no-crash", Match: func(r receipt.Receipt) bool {
		return r.Outcome.Kind != receipt.OutcomeCrashed
	}}
}

// NoTimeout rejects runs the supervisor had to kill.
func NoTimeout() Rule {
	return Rule{Name: "no-timeout", Match: func(r receipt.Receipt) bool {
		return r.Outcome.Kind != receipt.OutcomeTimeout
	}}
}

// MaxExecute rejects runs whose execute call took longer than ms milliseconds.
func MaxExecute(ms int64) Rule {
	return Rule{Name: "max-execute", Match: func(r receipt.Receipt) bool {
		return r.Timing.ExecuteMs <= ms
	}}
}

// Quarantine is the default policy for artifacts: they must not take down a worker.
func Quarantine() Policy {
	return Policy{Name: "quarantine", Rules: []Rule{NoCrash(), NoTimeout()}}
}
