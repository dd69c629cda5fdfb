package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Column names recognised in the input table.
const (
	ColLatitude      = "Latitude"
	ColLongitude     = "Longitude"
	ColLocalDateTime = "LocalDateTime"
	ColUTCDateTime   = "UTCDateTime"
	ColState         = "State"
)

// TimestampLayout is the fixed MM/DD/YY HH:MM input format. Single digit
// month, day and hour are accepted as well.
const TimestampLayout = "1/2/06 15:04"

// isoLayout is how window bounds are rendered; source timestamps carry no zone.
const isoLayout = "2006-01-02T15:04:05"

// Record is one cleaned observation.
type Record struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	State     string
}

// Point returns the record position as lon/lat.
func (r Record) Point() orb.Point {
	return orb.Point{r.Longitude, r.Latitude}
}

// WindowResult is the majority computation for one anchor record.
type WindowResult struct {
	DominantState string
	Confidence    float64
	Size          int
}

// IntervalSummary is one output row of the report.
type IntervalSummary struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	DominantState string
	Confidence    float64
	TowerJump     bool
}

type intervalJSON struct {
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	State      string  `json:"State"`
	TowerJump  string  `json:"tower_jump"`
	Confidence float64 `json:"confidence"`
}

// JumpLabel renders the tower jump flag as "yes" or "no".
func (s IntervalSummary) JumpLabel() string {
	if s.TowerJump {
		return "yes"
	}
	return "no"
}

// StartISO and EndISO format the window bounds.
func (s IntervalSummary) StartISO() string { return s.WindowStart.Format(isoLayout) }
func (s IntervalSummary) EndISO() string   { return s.WindowEnd.Format(isoLayout) }

// ParseISO reads a bound written by StartISO or EndISO.
func ParseISO(v string) (time.Time, error) {
	return time.Parse(isoLayout, v)
}

func (s IntervalSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{
		StartTime:  s.StartISO(),
		EndTime:    s.EndISO(),
		State:      s.DominantState,
		TowerJump:  s.JumpLabel(),
		Confidence: s.Confidence,
	})
}

func (s *IntervalSummary) UnmarshalJSON(data []byte) error {
	var raw intervalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := ParseISO(raw.StartTime)
	if err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	end, err := ParseISO(raw.EndTime)
	if err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	*s = IntervalSummary{
		WindowStart:   start,
		WindowEnd:     end,
		DominantState: raw.State,
		Confidence:    raw.Confidence,
		TowerJump:     raw.TowerJump == "yes",
	}
	return nil
}

// JumpPolicy selects the state discontinuity test of the jump detector.
type JumpPolicy string

const (
	// PolicyNeighborOnly flags a jump when prev and next disagree.
	PolicyNeighborOnly JumpPolicy = "neighbor-only"
	// PolicyCurrentAware flags a jump when the record disagrees with either neighbor.
	PolicyCurrentAware JumpPolicy = "current-aware"
)

// ParseJumpPolicy accepts the policy names case-insensitively; empty means default.
func ParseJumpPolicy(v string) (JumpPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(PolicyNeighborOnly), "neighbor_only", "neighbor":
		return PolicyNeighborOnly, nil
	case string(PolicyCurrentAware), "current_aware", "current":
		return PolicyCurrentAware, nil
	default:
		return "", fmt.Errorf("unknown jump policy %q", v)
	}
}

// Config holds analysis parameters.
type Config struct {
	Window        time.Duration // half-width of the majority window
	JumpThreshold time.Duration // max prev->next gap for a jump
	Policy        JumpPolicy
}

// DefaultConfig returns the production parameters: ±10 min windows, 5 min jump threshold.
func DefaultConfig() Config {
	return Config{
		Window:        10 * time.Minute,
		JumpThreshold: 5 * time.Minute,
		Policy:        PolicyNeighborOnly,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.JumpThreshold <= 0 {
		c.JumpThreshold = def.JumpThreshold
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	return c
}

// CleanStats accounts for every input row: Retained plus the drop counters
// always equals InputRows.
type CleanStats struct {
	InputRows          int    `json:"input_rows"`
	MalformedRows      int    `json:"malformed_rows"`
	BlankRows          int    `json:"blank_rows"`
	InvalidCoordinates int    `json:"invalid_coordinates"`
	InvalidTimestamps  int    `json:"invalid_timestamps"`
	MissingState       int    `json:"missing_state"`
	Retained           int    `json:"retained"`
	TimestampColumn    string `json:"timestamp_column"`
}

// Dropped is the number of rows excluded by cleaning.
func (s CleanStats) Dropped() int {
	return s.MalformedRows + s.BlankRows + s.InvalidCoordinates + s.InvalidTimestamps + s.MissingState
}
