package session

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestStartIsIdempotent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ctx1 := r.Start("s1")
	ctx2 := r.Start("s1")
	if ctx1 != ctx2 {
		t.Error("starting an existing session must return the same context")
	}
	if !r.Active("s1") {
		t.Error("session should be active")
	}
}

func TestCancelAbortsEverything(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ctx := r.Start("s1")

	callCtx, callCancel := context.WithCancel(context.Background())
	r.Track("s1", "call-1", callCancel)

	hookFired := ""
	r.OnCancel(func(id string) { hookFired = id })

	r.Cancel("s1")

	if ctx.Err() == nil {
		t.Error("session context should be cancelled")
	}
	if callCtx.Err() == nil {
		t.Error("in-flight call should be aborted")
	}
	if hookFired != "s1" {
		t.Errorf("cancel hook should fire with the session id, got %q", hookFired)
	}
	if r.Active("s1") {
		t.Error("cancelled session should be gone")
	}
}

func TestUntrackedCallSurvivesNothing(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Start("s1")

	callCtx, callCancel := context.WithCancel(context.Background())
	r.Track("s1", "call-1", callCancel)
	r.Untrack("s1", "call-1")

	r.Cancel("s1")
	if callCtx.Err() != nil {
		t.Error("an untracked (finished) call must not be cancelled")
	}
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Cancel("ghost")
}

func TestTrackImplicitlyStarts(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Track("s2", "call-1", func() {})
	if !r.Active("s2") {
		t.Error("tracking should start the session")
	}
}
