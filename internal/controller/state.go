package controller

import (
	"errors"
	"fmt"

	"github.com/volrnd/server/internal/loader"
	"github.com/volrnd/server/internal/pipeline"
	"github.com/volrnd/server/internal/sampling"
	"github.com/volrnd/server/internal/volume"
)

// State is the controller lifecycle state.
type State int

const (
	Uninitialized State = iota
	SettingUp
	AwaitingFirstLoad
	Ready
	Loading
	Error
	Disposed
)

var stateNames = [...]string{
	Uninitialized:     "uninitialized",
	SettingUp:         "setting_up",
	AwaitingFirstLoad: "awaiting_first_load",
	Ready:             "ready",
	Loading:           "loading",
	Error:             "error",
	Disposed:          "disposed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of the controller.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message"`
	// Volume describes the volume on screen. It survives failed and
	// in-flight loads.
	Volume    *loader.Outcome `json:"volume,omitempty"`
	Sequence  uint64          `json:"sequence"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Viewport  [2]int          `json:"viewport"`
	// Discarded counts completions dropped because a newer request had
	// been issued.
	Discarded uint64 `json:"discarded"`
}

// Error kinds reported in Status.ErrorKind.
const (
	KindDecode     = "decode"
	KindDegenerate = "degenerate_volume"
	KindPipeline   = "pipeline"
	KindNetwork    = "network"
	KindIO         = "io"
)

// describe maps a load failure to its kind and the status line shown to
// the user.
func describe(err error) (kind, message string) {
	var (
		de *volume.DecodeError
		dv *sampling.DegenerateVolumeError
		pe *pipeline.Error
		ne *loader.NetworkError
	)
	switch {
	case errors.As(err, &de):
		if de.Format == "" || de.Format == "vti" {
			return KindDecode, "Error: Could not parse VTI file"
		}
		return KindDecode, "Error: Could not parse volume"
	case errors.As(err, &dv):
		return KindDegenerate, "Error: Volume has no extent"
	case errors.As(err, &pe):
		return KindPipeline, "Error: Renderer unavailable"
	case errors.As(err, &ne):
		return KindNetwork, "Error: Could not fetch " + ne.URL
	}
	return KindIO, "Error loading file"
}
