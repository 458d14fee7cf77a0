package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmission_AllowsUnderLimit(t *testing.T) {
	a := NewClientAdmission(5, 10)

	for i := 0; i < 5; i++ {
		allowed, reason := a.Admit()
		assert.True(t, allowed, reason)
		a.RecordCall()
	}
}

func TestAdmission_BlocksOverCallWindow(t *testing.T) {
	a := NewClientAdmission(3, 10)

	for i := 0; i < 3; i++ {
		a.RecordCall()
	}

	allowed, reason := a.Admit()
	assert.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", reason)
}

func TestAdmission_BlocksOverTurnCap(t *testing.T) {
	a := NewClientAdmission(100, 2)

	a.BeginTurn()
	a.BeginTurn()

	allowed, reason := a.Admit()
	assert.False(t, allowed)
	assert.Equal(t, "too many concurrent turns", reason)

	// A slot frees once a turn goes terminal.
	a.EndTurn()
	allowed, _ = a.Admit()
	assert.True(t, allowed)
}

func TestAdmission_Stats(t *testing.T) {
	a := NewClientAdmission(10, 5)

	a.RecordCall()
	a.RecordCall()
	a.BeginTurn()

	stats := a.Stats()
	assert.Equal(t, 2, stats.CallsInWindow)
	assert.Equal(t, 1, stats.TurnsActive)
}

func TestAdmission_EndTurnNeverGoesNegative(t *testing.T) {
	a := NewClientAdmission(10, 5)

	a.EndTurn()
	assert.Equal(t, 0, a.Stats().TurnsActive)
}
