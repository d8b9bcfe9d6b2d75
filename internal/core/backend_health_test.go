package core

import (
	"testing"
	"time"
)

func TestNewSlidingWindow(t *testing.T) {
	window := NewSlidingWindow(time.Minute)
	if window == nil {
		t.Error("Expected non-nil sliding window")
	}
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5, 10)
	if monitor == nil {
		t.Error("Expected non-nil health monitor")
	}
}

func TestNewPollGovernor(t *testing.T) {
	governor := NewPollGovernor(100, 60.0)
	if governor == nil {
		t.Error("Expected non-nil poll governor")
	}
}

func TestSlidingWindowDropsAllStaleEntries(t *testing.T) {
	window := NewSlidingWindow(time.Second)
	window.Add(time.Now().Add(-2 * time.Minute))
	window.Add(time.Now().Add(-time.Minute))

	window.cleanup()

	if rate := window.Rate(); rate != 0 {
		t.Errorf("Stale entries must not count toward the rate, got %f", rate)
	}
}

func TestPollGovernorCircuitOpensOnFailures(t *testing.T) {
	governor := NewPollGovernor(100, 1.0)

	if !governor.CanPoll() {
		t.Fatal("A fresh governor should allow polling")
	}
	for i := 0; i < 5; i++ {
		governor.RecordFailure()
	}
	if governor.CanPoll() {
		t.Error("Five straight backend failures should open the circuit")
	}
	if governor.GetStats()["circuit_state"] != "OPEN" {
		t.Errorf("unexpected circuit state %v", governor.GetStats()["circuit_state"])
	}
}
