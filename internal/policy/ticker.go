package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTickInterval is the usage accounting period.
const DefaultTickInterval = time.Minute

// Ticker charges the foreground app once per interval and hands every
// resulting decision to a sink. Apps in the Blocked state are skipped, so
// a block is sent once; keeping the block screen up is left to the UI.
type Ticker struct {
	engine   *Engine
	interval time.Duration
	sink     func(Decision)
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewTicker creates a ticker for engine. sink may be nil.
func NewTicker(engine *Engine, interval time.Duration, sink func(Decision), logger zerolog.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		engine:   engine,
		interval: interval,
		sink:     sink,
		logger:   logger.With().Str("component", "usage-ticker").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the tick loop
func (t *Ticker) Start(ctx context.Context) {
	go t.run(ctx)
	t.logger.Info().Dur("interval", t.interval).Msg("Usage ticker started")
}

// Stop stops the ticker and waits for the loop to exit
func (t *Ticker) Stop() {
	close(t.stopChan)
	<-t.doneChan
	t.logger.Info().Msg("Usage ticker stopped")
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.doneChan)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tick(ctx)
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	d, ok := t.engine.TickForeground(ctx)
	if !ok {
		return
	}
	if t.sink != nil {
		t.sink(d)
	}
}
