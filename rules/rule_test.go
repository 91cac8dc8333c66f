package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "department matches",
			expression: "department == 'IT'",
			env:        map[string]interface{}{"department": "IT"},
			wantResult: true,
		},
		{
			name:       "metric comparison",
			expression: "metric >= 500 && sub_type != 'training'",
			env:        map[string]interface{}{"metric": 750.0, "sub_type": "hotel"},
			wantResult: true,
		},
		{
			name:       "missing attribute evaluates to nil",
			expression: "cost_center == 'CH-100'",
			env:        map[string]interface{}{"metric": 1.0},
			wantResult: false,
		},
		{
			name:       "non-boolean result",
			expression: "days + 5",
			env:        map[string]interface{}{"days": 25},
			wantErr:    true,
			errMsg:     "expression 'days + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "invalid expression",
			expression: "days >>> 18",
			env:        map[string]interface{}{"days": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.False(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("caching", func(t *testing.T) {
		env := map[string]interface{}{"metric": 15.0}

		first, err := evaluator.Evaluate("metric > 10", env)
		require.NoError(t, err)
		second, err := evaluator.Evaluate("metric > 10", env)
		require.NoError(t, err)
		assert.True(t, first)
		assert.Equal(t, first, second)

		evaluator.mu.RLock()
		_, cached := evaluator.cache["metric > 10"]
		evaluator.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		env := map[string]interface{}{"value": 42}

		wg.Add(100)
		for i := 0; i < 100; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestExprEvaluator_Derived(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddDerived("high_value", func(env map[string]interface{}) interface{} {
		amount, _ := env["metric"].(float64)
		return amount > 1000
	})

	env := map[string]interface{}{"metric": 2500.0}
	result, err := evaluator.Evaluate("high_value", env)
	require.NoError(t, err)
	assert.True(t, result)

	_, leaked := env["high_value"]
	assert.False(t, leaked, "caller env must not be modified")

	result, err = evaluator.Evaluate("high_value", map[string]interface{}{"metric": 10.0})
	require.NoError(t, err)
	assert.False(t, result)
}

func TestExprEvaluator_Compile(t *testing.T) {
	evaluator := NewExprEvaluator()
	assert.NoError(t, evaluator.Compile("department in ['IT', 'HR']"))
	assert.Error(t, evaluator.Compile("department in ["))
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	env := map[string]interface{}{"metric": 10.0}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("metric > 5", env)
	}
}
