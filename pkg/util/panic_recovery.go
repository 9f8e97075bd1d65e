package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
)

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.log(component, r)
	}
}

// Guard runs fn and turns a panic into an ErrInternalError.
func (ph *PanicHandler) Guard(component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ph.log(component, r)
			err = errors.Wrap(errors.ErrInternalError, fmt.Sprintf("panic in %s: %v", component, r))
		}
	}()
	return fn()
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}

func (ph *PanicHandler) log(component string, r interface{}) {
	var caller string
	if pc, file, line, ok := runtime.Caller(3); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": r,
		"caller":      caller,
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}
