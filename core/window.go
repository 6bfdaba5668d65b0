package core

import (
	"sort"
	"time"
)

// SlidingWindow implements a sliding window log.
//
// Every accepted event is recorded with its timestamp. Before each decision
// timestamps older than now-window are pruned, so the log never holds more
// than Limit entries and all of them fall inside [now-window, now].
type SlidingWindow struct {
	policy Policy
}

// NewSlidingWindow creates a sliding window for the given policy.
func NewSlidingWindow(policy Policy) (*SlidingWindow, error) {
	policy.Strategy = StrategySlidingWindow
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindow{policy: policy}, nil
}

// Policy returns the window's policy.
func (sw *SlidingWindow) Policy() Policy {
	return sw.policy
}

// NewState returns an empty window.
func (sw *SlidingWindow) NewState() *WindowState {
	return &WindowState{Timestamps: []time.Time{}}
}

// Check prunes expired events and records cost events at now if the window
// has room for them. A nil state is treated as an empty window.
func (sw *SlidingWindow) Check(state *WindowState, cost int, now time.Time) (*WindowState, CheckResult, error) {
	if cost <= 0 {
		return state, CheckResult{}, ErrInvalidCost
	}
	if cost > sw.policy.Limit {
		return state, CheckResult{}, ErrCostExceedsLimit
	}

	newState := sw.prune(state, now)
	count := len(newState.Timestamps)

	if count+cost <= sw.policy.Limit {
		for i := 0; i < cost; i++ {
			newState.Timestamps = append(newState.Timestamps, now)
		}
		return newState, CheckResult{
			Allowed:   true,
			Remaining: float64(sw.policy.Limit - len(newState.Timestamps)),
			Limit:     float64(sw.policy.Limit),
		}, nil
	}

	return newState, CheckResult{
		Allowed:    false,
		Remaining:  float64(sw.policy.Limit - count),
		Limit:      float64(sw.policy.Limit),
		RetryAfter: sw.waitFor(newState, cost, now),
	}, nil
}

// Inspect reports what a check of cost would see at now without recording.
func (sw *SlidingWindow) Inspect(state *WindowState, cost int, now time.Time) CheckResult {
	pruned := sw.prune(state, now)
	count := len(pruned.Timestamps)
	result := CheckResult{
		Allowed:   count+cost <= sw.policy.Limit,
		Remaining: float64(max(sw.policy.Limit-count, 0)),
		Limit:     float64(sw.policy.Limit),
	}
	if !result.Allowed {
		result.RetryAfter = sw.waitFor(pruned, cost, now)
	}
	return result
}

// ResetAfter returns how long until the window is empty again.
func (sw *SlidingWindow) ResetAfter(state *WindowState, now time.Time) time.Duration {
	pruned := sw.prune(state, now)
	if len(pruned.Timestamps) == 0 {
		return 0
	}
	newest := pruned.Timestamps[len(pruned.Timestamps)-1]
	return newest.Add(sw.policy.Window()).Sub(now) + time.Nanosecond
}

// Reconfigure moves a state to this window's policy. Timestamps are kept; the
// next check prunes them against the new window.
func (sw *SlidingWindow) Reconfigure(state *WindowState) *WindowState {
	if state == nil {
		return sw.NewState()
	}
	out := &WindowState{Timestamps: append([]time.Time(nil), state.Timestamps...)}
	// A smaller limit keeps only the newest events.
	if extra := len(out.Timestamps) - sw.policy.Limit; extra > 0 {
		out.Timestamps = out.Timestamps[extra:]
	}
	return out
}

// prune returns a sorted copy of state holding only timestamps inside the window.
// Timestamps after now, left by a clock that went backwards, are pulled back
// to now so they still count but never outlive the window.
func (sw *SlidingWindow) prune(state *WindowState, now time.Time) *WindowState {
	if state == nil {
		return sw.NewState()
	}

	cutoff := now.Add(-sw.policy.Window())
	kept := make([]time.Time, 0, len(state.Timestamps)+1)
	for _, ts := range state.Timestamps {
		if ts.After(now) {
			ts = now
		}
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })

	return &WindowState{Timestamps: kept}
}

// waitFor returns how long until the oldest events have left the window far
// enough for cost more to fit. An event at ts stops counting once now is
// strictly after ts+window.
func (sw *SlidingWindow) waitFor(state *WindowState, cost int, now time.Time) time.Duration {
	mustExpire := len(state.Timestamps) + cost - sw.policy.Limit
	if mustExpire <= 0 {
		return 0
	}
	last := state.Timestamps[mustExpire-1]
	wait := last.Add(sw.policy.Window()).Sub(now) + time.Nanosecond
	if wait < 0 {
		return 0
	}
	return wait
}
