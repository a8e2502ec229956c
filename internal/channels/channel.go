// Package channels defines the adapter interface for the surfaces that
// relay approval prompts to humans and carry decisions back. Adapters are
// resolvers in the capability sense: each one converges on the same
// Service.Resolve entry point, and the core never knows which channels
// exist.
package channels

import (
	"context"
	"fmt"
	"log/slog"
)

// Adapter is implemented by each channel surface (web, slack, telegram,
// discord). Start subscribes to the notification bus and begins relaying
// prompts; Stop tears the connection down.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Name is the channel identifier recorded as resolvedFrom on the
	// decisions this adapter delivers.
	Name() string
}

// Registry holds the configured adapters and manages their lifecycle as a
// group.
type Registry struct {
	adapters []Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "channels")}
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	return r.adapters
}

// StartAll starts every adapter, stopping the ones already started if a
// later one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start %s channel: %w", a.Name(), err)
		}
		r.logger.Info("channel started", "channel", a.Name())
		started = append(started, a)
	}
	return nil
}

// StopAll stops every adapter, logging failures rather than aborting the
// shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	for _, a := range r.adapters {
		if err := a.Stop(ctx); err != nil {
			r.logger.Warn("channel stop failed", "channel", a.Name(), "error", err)
		}
	}
}
