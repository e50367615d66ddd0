package kitchen

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
)

// BranchCapturer quiesces publication to a branch while fn runs.
type BranchCapturer interface {
	Capture(branch string, fn func(cursor uint64)) error
}

// Pruner periodically removes served tickets from the cache once they are
// past its retention. Each branch is pruned inside a bus capture, so a
// snapshot taken at cursor N either has the ticket or does not, never half.
type Pruner struct {
	cache    *StateCache
	bus      BranchCapturer
	interval time.Duration
	now      func() time.Time
	logger   aqm.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPruner(cache *StateCache, b BranchCapturer, interval time.Duration, logger aqm.Logger) *Pruner {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Pruner{
		cache:    cache,
		bus:      b,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// PruneOnce prunes every branch and returns how many tickets were removed.
func (p *Pruner) PruneOnce() int {
	now := p.now()
	var total int
	for _, branch := range p.cache.Branches() {
		err := p.bus.Capture(branch, func(uint64) {
			total += p.cache.Prune(branch, now)
		})
		if err != nil {
			p.logger.Debug("cache prune skipped", "branch", branch, "error", err)
		}
	}
	return total
}

func (p *Pruner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.PruneOnce()
			}
		}
	}()
	p.logger.Info("ticket cache pruner started", "interval", p.interval)
	return nil
}

func (p *Pruner) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return nil
}
