package tools

import (
	"context"
	"time"

	"voice-relay/pkg/errors"
)

// Built-in tool names
const (
	CurrentTimeName = "get_current_time"
	EndCallName     = "end_call"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA time zone name such as America/New_York; defaults to UTC"`
}

type endCallArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"short reason for ending the call"`
}

// CurrentTime reports the wall clock time, optionally in a named zone.
func CurrentTime(now func() time.Time) (Tool, error) {
	if now == nil {
		now = time.Now
	}
	return NewFunc(CurrentTimeName, "Get the current date and time.",
		func(ctx context.Context, args currentTimeArgs) (any, error) {
			zone := args.Timezone
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalidInput, "unknown time zone", map[string]interface{}{"timezone": zone})
			}
			t := now().In(loc)
			return map[string]string{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": zone,
			}, nil
		})
}

// EndCall lets the assistant hang up after saying goodbye.
func EndCall() (Tool, error) {
	return NewFunc(EndCallName, "End the phone call after the caller says goodbye or asks to hang up.",
		func(ctx context.Context, args endCallArgs) (any, error) {
			return Result{Output: `{"status":"ending"}`, EndCall: true}, nil
		})
}

// RegisterBuiltins registers the named built-in tools.
func RegisterBuiltins(r *Registry, names []string, now func() time.Time) error {
	for _, name := range names {
		var (
			tool Tool
			err  error
		)
		switch name {
		case CurrentTimeName:
			tool, err = CurrentTime(now)
		case EndCallName:
			tool, err = EndCall()
		default:
			return errors.Wrap(errors.ErrUnknownTool, name, map[string]interface{}{"tool": name})
		}
		if err != nil {
			return err
		}
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
