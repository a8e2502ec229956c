package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeAdapter struct {
	name     string
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeAdapter) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeAdapter) Name() string { return f.name }

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStartAll(t *testing.T) {
	r := newTestRegistry()
	a := &fakeAdapter{name: "a"}
	b := &fakeAdapter{name: "b"}
	r.Register(a)
	r.Register(b)

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.started || !b.started {
		t.Errorf("started: a=%v b=%v", a.started, b.started)
	}

	r.StopAll(context.Background())
	if !a.stopped || !b.stopped {
		t.Errorf("stopped: a=%v b=%v", a.stopped, b.stopped)
	}
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	r := newTestRegistry()
	first := &fakeAdapter{name: "first"}
	failing := &fakeAdapter{name: "failing", startErr: errors.New("boom")}
	never := &fakeAdapter{name: "never"}
	r.Register(first)
	r.Register(failing)
	r.Register(never)

	err := r.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !first.stopped {
		t.Error("first adapter not rolled back")
	}
	if never.started {
		t.Error("adapter after the failure was started")
	}
}
