package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/journal"
	"github.com/aquamarinepk/aqm"
)

type component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type closer interface {
	Close() error
}

// pipeline owns the event path from the bus outwards. Start restores the
// bus from the journal before anything can publish; Stop runs in reverse
// so the journal sees the last event the bus accepted.
type pipeline struct {
	bus       *bus.Bus
	journal   *journal.Journal
	consumers []component
	closers   []closer
	logger    aqm.Logger
}

func (p *pipeline) Start(ctx context.Context) error {
	if p.journal != nil {
		if err := p.restore(ctx); err != nil {
			return err
		}
		if err := p.journal.Start(ctx); err != nil {
			return err
		}
	}
	if err := p.bus.Start(ctx); err != nil {
		return err
	}
	for _, c := range p.consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) restore(ctx context.Context) error {
	branches, err := p.journal.Branches(ctx)
	if err != nil {
		return fmt.Errorf("cannot restore bus: %w", err)
	}
	for _, b := range branches {
		st, err := p.journal.Load(ctx, b)
		if err != nil {
			return fmt.Errorf("cannot restore bus: %w", err)
		}
		if err := p.bus.Restore(b, st.Records, st.Next, st.Complete); err != nil {
			return err
		}
	}
	p.logger.Info("bus restored from journal", "branches", len(branches))
	return nil
}

func (p *pipeline) Stop(ctx context.Context) error {
	var errs []error
	for i := len(p.consumers) - 1; i >= 0; i-- {
		if err := p.consumers[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.bus.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.journal != nil {
		if err := p.journal.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
