package analysis

import (
	"time"

	"towerjump/internal/events"
)

// JumpDetector flags short-lived state discontinuities from the temporal
// neighbors of each record.
type JumpDetector struct {
	threshold time.Duration
	policy    JumpPolicy
	sink      events.Sink
}

func NewJumpDetector(threshold time.Duration, policy JumpPolicy, sink events.Sink) *JumpDetector {
	if threshold <= 0 {
		threshold = DefaultConfig().JumpThreshold
	}
	if policy == "" {
		policy = PolicyNeighborOnly
	}
	if sink == nil {
		sink = events.Discard
	}
	return &JumpDetector{threshold: threshold, policy: policy, sink: sink}
}

// Detect returns one flag per record. records must be sorted by timestamp.
//
// prev is the last record carrying the nearest strictly earlier timestamp
// and next the first record carrying the nearest strictly later one, so
// records that share a timestamp share their neighbors. Records at either
// edge of the dataset are never flagged.
func (d *JumpDetector) Detect(records []Record) []bool {
	n := len(records)
	out := make([]bool, n)
	jumps := 0
	for start := 0; start < n; {
		end := start + 1
		for end < n && records[end].Timestamp.Equal(records[start].Timestamp) {
			end++
		}
		if start > 0 && end < n {
			prev, next := records[start-1], records[end]
			if next.Timestamp.Sub(prev.Timestamp) <= d.threshold {
				for i := start; i < end; i++ {
					if d.discontinuity(prev, records[i], next) {
						out[i] = true
						jumps++
					}
				}
			}
		}
		start = end
	}

	d.sink.Emit(events.Event{Stage: "jumps", Name: "jumps.completed", Fields: map[string]any{
		"records": n,
		"jumps":   jumps,
		"policy":  string(d.policy),
	}})
	return out
}

func (d *JumpDetector) discontinuity(prev, cur, next Record) bool {
	if d.policy == PolicyCurrentAware {
		return cur.State != prev.State || cur.State != next.State
	}
	return prev.State != next.State
}
