package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"accelrun/core/receipt"
)

func TestEvaluatorDeterministic(t *testing.T) {
	p := Policy{
		Name: "fast",
		Rules: []Rule{
			MaxExecute(100),
			{Name: "require-completed", Match: func(r receipt.Receipt) bool {
				return r.Outcome.Kind == receipt.OutcomeCompleted
			}},
			{Name: "ignored"},
		},
	}
	ev := Evaluator{Policy: p}
	r := receipt.Receipt{Outcome: receipt.Outcome{Kind: receipt.OutcomeError}, Timing: receipt.Timing{ExecuteMs: 250}}
	first := ev.Evaluate(context.Background(), r)
	second := ev.Evaluate(context.Background(), r)
	assert.False(t, first.Allowed)
	assert.Equal(t, []string{"max-execute", "require-completed"}, first.Reasons)
	assert.Equal(t, first, second)
}

func TestQuarantinePolicy(t *testing.T) {
	ev := Evaluator{Policy: Quarantine()}
	for kind, allowed := range map[receipt.OutcomeKind]bool{
		receipt.OutcomeCompleted:   true,
		receipt.OutcomeError:       true,
		receipt.OutcomeStartFailed: true,
		receipt.OutcomeCrashed:     false,
		receipt.OutcomeTimeout:     false,
	} {
		v := ev.Evaluate(context.Background(), receipt.Receipt{Outcome: receipt.Outcome{Kind: kind}})
		assert.Equal(t, allowed, v.Allowed, kind)
	}
	v := ev.Evaluate(context.Background(), receipt.Receipt{Outcome: receipt.Outcome{Kind: receipt.OutcomeCrashed}})
	assert.Equal(t, []string{"no-crash"}, v.Reasons)
}
