// Package rig defines the narrow hardware capability surface the
// scheduler drives, and a deterministic simulated implementation for
// tests and dry runs. Real microscope, manifold, and probe drivers
// live outside this module and plug in behind Facade.
package rig

import (
	"context"
	"fmt"
	"time"

	"github.com/me/riffle/pkg/model"
)

// StagePosition is an absolute stage coordinate. Z below zero means
// "leave focus where it is".
type StagePosition struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Channel names an illumination channel with its exposure.
type Channel struct {
	Name       string `json:"name" yaml:"name"`
	ExposureMS int    `json:"exposure_ms" yaml:"exposure_ms"`
}

// ValveState is the commanded state of a manifold solenoid.
type ValveState string

const (
	ValveOpen   ValveState = "OPEN"
	ValveClosed ValveState = "CLOSED"
)

// ImageRef identifies an acquired image to the surrounding harness.
type ImageRef struct {
	Path       string    `json:"path"`
	Channel    string    `json:"channel"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Facade is the capability interface the scheduler invokes to perform
// a unit of hardware work. Every call is synchronous and blocks for
// the physical duration of the action; none are safely reentrant.
// Failures surface as errors, never as panics crossing into scheduler
// state.
type Facade interface {
	MoveStage(ctx context.Context, pos StagePosition) error
	AcquireImage(ctx context.Context, ch Channel) (ImageRef, error)
	ActuateValve(ctx context.Context, solenoid int, state ValveState) error
	ReadProbe(ctx context.Context, probe string) (float64, error)
}

// Error wraps a device-level failure with the subsystem that raised it.
type Error struct {
	Device string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hardware error (%s): %v", e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do decodes an operation's parameter payload and invokes the matching
// facade call, returning a short human-readable result for the report.
func Do(ctx context.Context, f Facade, op model.Operation) (string, error) {
	switch op.Action {
	case model.ActionMove:
		pos := StagePosition{
			X: floatParam(op.Params, "x"),
			Y: floatParam(op.Params, "y"),
			Z: floatParam(op.Params, "z"),
		}
		if err := f.MoveStage(ctx, pos); err != nil {
			return "", err
		}
		return fmt.Sprintf("stage at (%.1f, %.1f)", pos.X, pos.Y), nil

	case model.ActionAcquire:
		ch := Channel{
			Name:       stringParam(op.Params, "channel"),
			ExposureMS: intParam(op.Params, "exposure_ms"),
		}
		if ch.Name == "" {
			return "", fmt.Errorf("acquire operation missing channel parameter")
		}
		ref, err := f.AcquireImage(ctx, ch)
		if err != nil {
			return "", err
		}
		return ref.Path, nil

	case model.ActionActuate:
		state := ValveState(stringParam(op.Params, "state"))
		if state != ValveOpen && state != ValveClosed {
			return "", fmt.Errorf("actuate operation has invalid state %q", state)
		}
		solenoid := intParam(op.Params, "solenoid")
		if err := f.ActuateValve(ctx, solenoid, state); err != nil {
			return "", err
		}
		return fmt.Sprintf("solenoid %d %s", solenoid, state), nil

	case model.ActionProbe:
		name := stringParam(op.Params, "probe")
		v, err := f.ReadProbe(ctx, name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s=%.2f", name, v), nil

	default:
		return "", fmt.Errorf("unknown action %q", op.Action)
	}
}

// Parameter payloads arrive as map[string]any after YAML or JSON
// round-trips, so numbers may be int, int64, or float64.

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringParam(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}
