package job

import (
	"errors"
	"fmt"
)

// State is a job's position in its lifecycle.
type State int

const (
	Submitted State = iota
	Downloading
	Completed
	Failed
	Uploading
	Done
)

var ErrInvalidTransition = errors.New("invalid state transition")

var stateNames = map[State]string{
	Submitted:   "submitted",
	Downloading: "downloading",
	Completed:   "completed",
	Failed:      "failed",
	Uploading:   "uploading",
	Done:        "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", s)
}

var transitions = map[State][]State{
	Submitted:   {Downloading, Failed},
	Downloading: {Downloading, Completed, Failed},
	Completed:   {Uploading},
	Uploading:   {Done},
	Failed:      {Done},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// HoldsHandle reports whether the engine handle may still be used in s.
func (s State) HoldsHandle() bool {
	return s == Submitted || s == Downloading
}
