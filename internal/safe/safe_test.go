package safe

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func TestCallRecoversPanic(t *testing.T) {
	err := Call("handler", func() error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Name != "handler" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error: %+v", pe)
	}
}

func TestCallPassesThroughErrors(t *testing.T) {
	want := errors.New("plain")
	if got := Call("handler", func() error { return want }); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := Call("nil", nil); got != nil {
		t.Fatalf("nil fn should return nil, got %v", got)
	}
}

func TestGroupGoReportsPanicAsError(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	GroupGo(ctx, group, "worker", func(context.Context) error {
		panic("worker exploded")
	})
	err := group.Wait()
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError from Wait, got %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("group context should be cancelled after panic")
	}
}
