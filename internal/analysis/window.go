package analysis

import (
	"strconv"
	"time"

	"towerjump/internal/events"
)

// WindowAnalyzer computes the locally dominant state around each record.
type WindowAnalyzer struct {
	window time.Duration
	sink   events.Sink
}

func NewWindowAnalyzer(window time.Duration, sink events.Sink) *WindowAnalyzer {
	if window <= 0 {
		window = DefaultConfig().Window
	}
	if sink == nil {
		sink = events.Discard
	}
	return &WindowAnalyzer{window: window, sink: sink}
}

// Analyze returns one result per record, in order. records must be sorted
// by timestamp.
//
// For record i the window holds every record with timestamp in
// [t_i-window, t_i+window]. Both bounds only move forward as i grows, so a
// left and a right cursor sweep the slice once. Each state keeps a queue of
// its indices inside the window; the queue head is the state's first
// occurrence, which breaks count ties.
func (a *WindowAnalyzer) Analyze(records []Record) []WindowResult {
	n := len(records)
	out := make([]WindowResult, n)
	if n == 0 {
		return out
	}
	ids, names := internStates(records)
	counts := make([]int, len(names))
	occ := make([][]int, len(names))
	head := make([]int, len(names))

	left, right := 0, 0
	for i, r := range records {
		lo := r.Timestamp.Add(-a.window)
		hi := r.Timestamp.Add(a.window)
		for right < n && !records[right].Timestamp.After(hi) {
			s := ids[right]
			counts[s]++
			occ[s] = append(occ[s], right)
			right++
		}
		for left < right && records[left].Timestamp.Before(lo) {
			s := ids[left]
			counts[s]--
			head[s]++
			left++
		}

		best := -1
		for s := range names {
			if counts[s] == 0 {
				continue
			}
			if best < 0 || counts[s] > counts[best] ||
				(counts[s] == counts[best] && occ[s][head[s]] < occ[best][head[best]]) {
				best = s
			}
		}
		size := right - left
		out[i] = WindowResult{
			DominantState: names[best],
			Confidence:    roundConfidence(counts[best], size),
			Size:          size,
		}
	}

	a.sink.Emit(events.Event{Stage: "window", Name: "window.completed", Fields: map[string]any{
		"records":        n,
		"states":         len(names),
		"window_minutes": a.window.Minutes(),
	}})
	return out
}

// internStates assigns dense ids to state labels in first-seen order.
func internStates(records []Record) ([]int, []string) {
	ids := make([]int, len(records))
	seen := make(map[string]int)
	var names []string
	for i, r := range records {
		id, ok := seen[r.State]
		if !ok {
			id = len(names)
			seen[r.State] = id
			names = append(names, r.State)
		}
		ids[i] = id
	}
	return ids, names
}

// roundConfidence rounds count/total to two decimals using exact decimal
// rounding (ties to even). A mixed window never reports 1.00 and no window
// reports 0.00.
func roundConfidence(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	ratio := float64(count) / float64(total)
	v, err := strconv.ParseFloat(strconv.FormatFloat(ratio, 'f', 2, 64), 64)
	if err != nil {
		return ratio
	}
	if count < total && v >= 1 {
		return 0.99
	}
	if v <= 0 {
		return 0.01
	}
	return v
}
