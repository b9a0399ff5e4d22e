package pipeline

import (
	"fmt"
)

// Stage is the step a conversion run is at. The zero value is Idle.
type Stage int

// Stages of a run, in the order they are visited. Ready and Failed are
// terminal.
const (
	Idle Stage = iota
	Authenticating
	EnsuringBucket
	Uploading
	Submitting
	Polling
	Ready
	Failed
)

var stageNames = [...]string{
	Idle:           "idle",
	Authenticating: "authenticating",
	EnsuringBucket: "ensuring_bucket",
	Uploading:      "uploading",
	Submitting:     "submitting",
	Polling:        "polling",
	Ready:          "ready",
	Failed:         "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no transition can leave s.
func (s Stage) Terminal() bool {
	return s == Ready || s == Failed
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// StageError tags the error of a failed run with the stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
