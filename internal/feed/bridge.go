package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/timeguard/internal/config"
	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/metrics"
	"github.com/goodtune/timeguard/internal/policy"
	"github.com/goodtune/timeguard/internal/rules"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Engine is the part of the policy engine driven by the feed
type Engine interface {
	InstallRuleSet(rs *policy.RuleSet) bool
	InstallLocation(sample geo.Sample) bool
	DecideApp(ctx context.Context, appID string) policy.Decision
	DecideURL(text string) policy.Decision
	Recheck(ctx context.Context) (policy.Decision, bool)
}

// Connect dials NATS with automatic reconnection. Extra options (e.g.
// disconnect/reconnect handlers) can be appended.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name("timeguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Bridge connects the policy engine to NATS. Rule documents and location
// fixes go through latest-value-wins mailboxes; foreground and URL events
// are decided inline and answered on their reply subject when one is set.
// Block decisions are published on the decisions subject.
type Bridge struct {
	conn      *nats.Conn
	engine    Engine
	subjects  config.SubjectsConfig
	cacheSize int
	logger    zerolog.Logger

	rules    *Latest[[]byte]
	location *Latest[geo.Sample]

	subs     []*nats.Subscription
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewBridge creates a bridge over an established connection.
func NewBridge(conn *nats.Conn, engine Engine, subjects config.SubjectsConfig, cacheSize int, logger zerolog.Logger) *Bridge {
	return &Bridge{
		conn:      conn,
		engine:    engine,
		subjects:  subjects,
		cacheSize: cacheSize,
		logger:    logger.With().Str("component", "feed").Logger(),
		rules:     NewLatest[[]byte](),
		location:  NewLatest[geo.Sample](),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start subscribes to the input subjects and starts the install loop.
func (b *Bridge) Start(ctx context.Context) error {
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{b.subjects.Rules, b.onRules},
		{b.subjects.Location, b.onLocation},
		{b.subjects.Foreground, func(msg *nats.Msg) { b.onForeground(ctx, msg) }},
		{b.subjects.URL, b.onURL},
	}

	for _, h := range handlers {
		if h.subject == "" {
			continue
		}
		sub, err := b.conn.Subscribe(h.subject, h.handle)
		if err != nil {
			b.unsubscribe()
			return fmt.Errorf("subscribing to %s: %w", h.subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	// Flush ensures the subscriptions are registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		b.unsubscribe()
		return fmt.Errorf("flushing subscriptions: %w", err)
	}

	go b.run(ctx)

	b.logger.Info().
		Str("url", b.conn.ConnectedUrlRedacted()).
		Int("subscriptions", len(b.subs)).
		Msg("Event feed started")
	return nil
}

// Stop unsubscribes and waits for the install loop to exit. It does not
// close the connection.
func (b *Bridge) Stop() {
	b.unsubscribe()
	close(b.stopChan)
	<-b.doneChan
	b.logger.Info().Msg("Event feed stopped")
}

func (b *Bridge) unsubscribe() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

// Publish sends a block decision on the decisions subject. Allowed
// decisions are not published.
func (b *Bridge) Publish(d policy.Decision) {
	if !d.Blocked() || b.subjects.Decisions == "" {
		return
	}

	data, err := json.Marshal(d)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode decision")
		return
	}
	if err := b.conn.Publish(b.subjects.Decisions, data); err != nil {
		metrics.FeedErrors.WithLabelValues(b.subjects.Decisions).Inc()
		b.logger.Error().Err(err).Msg("Failed to publish decision")
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.doneChan)

	for {
		select {
		case <-b.rules.Ready():
			if data, ok := b.rules.Take(); ok {
				b.installRules(ctx, data)
			}
		case <-b.location.Ready():
			if sample, ok := b.location.Take(); ok {
				if b.engine.InstallLocation(sample) {
					b.recheck(ctx)
				}
			}
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) installRules(ctx context.Context, data []byte) {
	rs, report, err := rules.Decode(data, rules.FormatJSON, b.cacheSize)
	if err != nil {
		metrics.FeedErrors.WithLabelValues(b.subjects.Rules).Inc()
		b.logger.Error().Err(err).Msg("Discarding unparseable rule document, keeping previous rules")
		return
	}

	for _, d := range report.Dropped {
		b.logger.Warn().
			Str("section", d.Section).
			Str("key", d.Key).
			Str("reason", d.Reason).
			Msg("Dropped malformed rule entry")
	}

	if b.engine.InstallRuleSet(rs) {
		b.recheck(ctx)
	}
}

func (b *Bridge) recheck(ctx context.Context) {
	if d, ok := b.engine.Recheck(ctx); ok {
		b.Publish(d)
	}
}

func (b *Bridge) onRules(msg *nats.Msg) {
	metrics.FeedMessages.WithLabelValues(msg.Subject).Inc()
	// msg.Data is owned by the client until the handler returns
	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	b.rules.Put(data)
}

func (b *Bridge) onLocation(msg *nats.Msg) {
	metrics.FeedMessages.WithLabelValues(msg.Subject).Inc()

	var m LocationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.reject(msg, err)
		return
	}
	sample, err := m.Sample(time.Now())
	if err != nil {
		b.reject(msg, err)
		return
	}
	b.location.Put(sample)
}

func (b *Bridge) onForeground(ctx context.Context, msg *nats.Msg) {
	metrics.FeedMessages.WithLabelValues(msg.Subject).Inc()

	var m ForegroundMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.reject(msg, err)
		return
	}
	if m.AppID == "" {
		b.reject(msg, fmt.Errorf("app_id is required"))
		return
	}

	d := b.engine.DecideApp(ctx, m.AppID)
	b.respond(msg, d)
	b.Publish(d)
}

func (b *Bridge) onURL(msg *nats.Msg) {
	metrics.FeedMessages.WithLabelValues(msg.Subject).Inc()

	var m URLMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.reject(msg, err)
		return
	}

	d := b.engine.DecideURL(m.Text)
	b.respond(msg, d)
	b.Publish(d)
}

func (b *Bridge) respond(msg *nats.Msg, d policy.Decision) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode decision reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send decision reply")
	}
}

func (b *Bridge) reject(msg *nats.Msg, err error) {
	metrics.FeedErrors.WithLabelValues(msg.Subject).Inc()
	b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed feed message")
}
