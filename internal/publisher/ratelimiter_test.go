package publisher

import "testing"

func TestNoneLimiterAlwaysAllows(t *testing.T) {
	l := NoneLimiter{}
	if !l.CheckAllowed("anyone@example.com") {
		t.Error("expected NoneLimiter to always allow")
	}
	l.Inc("anyone@example.com")
	if !l.CheckAllowed("anyone@example.com") {
		t.Error("expected NoneLimiter to still allow after Inc")
	}
}

func TestMaintainerCapDeniesAtCeiling(t *testing.T) {
	l := NewMaintainerCap(2)
	l.SetMPSPerMaintainer(map[string]MaintainerCounts{
		"a@example.com": {Open: 1},
	})
	if !l.CheckAllowed("a@example.com") {
		t.Fatal("expected 1 open < cap 2 to allow")
	}
	l.Inc("a@example.com")
	if l.CheckAllowed("a@example.com") {
		t.Error("expected 2 open == cap 2 to deny")
	}
}

func TestMaintainerCapUnknownMaintainerAllowed(t *testing.T) {
	l := NewMaintainerCap(1)
	if !l.CheckAllowed("stranger@example.com") {
		t.Error("expected a maintainer with no recorded counts to be allowed")
	}
}

func TestSlowStartDeniesUntilCountsLoaded(t *testing.T) {
	l := NewSlowStart(5)
	if l.CheckAllowed("a@example.com") {
		t.Error("expected SlowStart to deny before SetMPSPerMaintainer is called")
	}
}

func TestSlowStartGrantsOneSlotPerMerge(t *testing.T) {
	l := NewSlowStart(5)
	l.SetMPSPerMaintainer(map[string]MaintainerCounts{
		"a@example.com": {Open: 0, Merged: 0},
	})
	if !l.CheckAllowed("a@example.com") {
		t.Error("expected first slot to be granted with zero merges")
	}

	l.SetMPSPerMaintainer(map[string]MaintainerCounts{
		"a@example.com": {Open: 2, Merged: 0},
	})
	if l.CheckAllowed("a@example.com") {
		t.Error("expected a third open proposal to be denied with zero merges")
	}

	l.SetMPSPerMaintainer(map[string]MaintainerCounts{
		"a@example.com": {Open: 2, Merged: 2},
	})
	if !l.CheckAllowed("a@example.com") {
		t.Error("expected earned trust from merges to grant another slot")
	}
}

func TestSlowStartHardCeiling(t *testing.T) {
	l := NewSlowStart(2)
	l.SetMPSPerMaintainer(map[string]MaintainerCounts{
		"a@example.com": {Open: 2, Merged: 10},
	})
	if l.CheckAllowed("a@example.com") {
		t.Error("expected the hard ceiling to deny regardless of merged count")
	}
}
