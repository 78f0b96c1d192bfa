package api

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("record: %w", &StateConflictError{Reason: ReasonTerminalExperiment})

	assert.True(t, IsStateConflict(wrapped))
	assert.False(t, IsCapacity(wrapped))
	assert.Equal(t, ReasonTerminalExperiment, ReasonOf(wrapped))

	capErr := fmt.Errorf("explore: %w", &CapacityError{Reason: ReasonBudgetExhausted, Have: 0.07, Need: 0.07})
	assert.True(t, IsCapacity(capErr))
	assert.Equal(t, ReasonBudgetExhausted, ReasonOf(capErr))

	assert.True(t, IsNotFound(NotFound("experiment", "x")))
	assert.True(t, IsValidation(&ValidationError{Field: "id", Message: "required"}))
	assert.Equal(t, "", ReasonOf(NotFound("route", "r")))
}

func TestStateAccessors(t *testing.T) {
	s := State{
		"price":      90,
		"ocs":        int64(70),
		"segment":    "retail",
		"connectors": []any{"api", "webhook", 3},
	}

	assert.Equal(t, 90.0, s.Float("price", 0))
	assert.Equal(t, 70.0, s.Float("ocs", 50))
	assert.Equal(t, 50.0, s.Float("missing", 50))
	assert.Equal(t, "retail", s.Text("segment", "default"))
	assert.Equal(t, []string{"api", "webhook"}, s.Strings("connectors", nil))
	assert.Equal(t, []string{"x"}, s.Strings("none", []string{"x"}))
}

func TestParamsClone(t *testing.T) {
	p := Params{"a": 1}
	c := p.Clone()
	c["a"] = 2
	assert.Equal(t, 1.0, p["a"])
}
