package gateway

import (
	"sync"
	"time"
)

// ClientAdmission gates what one connection may ask of the runtime: a
// sliding one-minute window on RPC calls, and a cap on how many turns the
// client may have streaming at once. Refusal reasons are wire-ready; they
// become the RPC error message.
type ClientAdmission struct {
	mu          sync.Mutex
	callsPerMin int
	maxTurns    int
	calls       []time.Time
	turnsActive int
}

// AdmissionStats is a point-in-time view of one client's admission state.
type AdmissionStats struct {
	CallsInWindow int
	TurnsActive   int
}

// NewClientAdmission creates the per-client gate.
func NewClientAdmission(callsPerMinute, maxStreamingTurns int) *ClientAdmission {
	return &ClientAdmission{
		callsPerMin: callsPerMinute,
		maxTurns:    maxStreamingTurns,
	}
}

// Admit reports whether the client may issue another call right now.
func (a *ClientAdmission) Admit() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.turnsActive >= a.maxTurns {
		return false, "too many concurrent turns"
	}

	a.pruneLocked(time.Now())
	if len(a.calls) >= a.callsPerMin {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordCall charges one admitted call against the sliding window.
func (a *ClientAdmission) RecordCall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, time.Now())
}

// BeginTurn takes a streaming slot. Held from the first pushed event until
// the turn is terminal.
func (a *ClientAdmission) BeginTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnsActive++
}

// EndTurn returns a streaming slot.
func (a *ClientAdmission) EndTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnsActive > 0 {
		a.turnsActive--
	}
}

// Stats returns the current window and slot occupancy.
func (a *ClientAdmission) Stats() AdmissionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(time.Now())
	return AdmissionStats{CallsInWindow: len(a.calls), TurnsActive: a.turnsActive}
}

// pruneLocked drops calls that aged out of the one-minute window.
func (a *ClientAdmission) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := a.calls[:0]
	for _, ts := range a.calls {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.calls = kept
}
