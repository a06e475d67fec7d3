// Package safe contains panics raised by hub message handlers so a single
// bad message cannot take down the device simulation.
package safe

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// Call runs fn and converts a panic into a *PanicError.
func Call(name string, fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// GroupGo runs fn in an errgroup goroutine. Panics are printed to stderr and
// returned as the goroutine's error, which cancels the group's context like
// any other failure. Returning nil after ctx ends is left to fn.
func GroupGo(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		err := Call(name, func() error { return fn(ctx) })
		var pe *PanicError
		if errors.As(err, &pe) {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, pe.Value, pe.Stack)
		}
		return err
	})
}
