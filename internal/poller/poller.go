// Package poller runs the consistency poll: a periodic snapshot fetch that
// repairs whatever the push channels missed. The poll is the system's safety
// net; dropped bus events, dedup-window overflows and resubscribe gaps all
// heal here because reconciliation is idempotent.
package poller

import (
	"context"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/reconcile"
	"github.com/caiofn/chatsync/internal/status"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// RemoteMessage is a polled message row with its optional client_ref echo.
type RemoteMessage struct {
	Message   store.Message
	ClientRef string
}

// Snapshot is one consistency poll result: all conversation summaries plus
// the most recent messages of each.
type Snapshot struct {
	Conversations []store.Conversation
	Messages      []RemoteMessage
}

// Fetcher produces consistency snapshots from the backend.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// Config tunes the poll cadence.
type Config struct {
	Interval time.Duration
	// FailThreshold is how many consecutive poll failures flip the engine
	// to Degraded.
	FailThreshold int
}

func (c *Config) defaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.FailThreshold == 0 {
		c.FailThreshold = 3
	}
}

// Poller drives periodic and kicked consistency polls.
type Poller struct {
	fetcher Fetcher
	rec     *reconcile.Reconciler
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cfg     Config

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	failures int // consecutive failures, poll-loop goroutine only
}

// New creates a poller.
func New(fetcher Fetcher, rec *reconcile.Reconciler, b *bus.Bus, machine *status.Machine, logger *zap.Logger, cfg Config) *Poller {
	cfg.defaults()
	return &Poller{
		fetcher: fetcher,
		rec:     rec,
		bus:     b,
		machine: machine,
		logger:  logger,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the poll loop: an immediate poll, then one per interval,
// plus one whenever a channel resubscribes (the gap window), the engine
// enters Syncing, or Kick is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	resubs, unsubResubs := p.bus.Subscribe("channel.", 4)
	statuses, unsubStatus := p.bus.Subscribe("status.", 8)
	go func() {
		defer close(p.done)
		defer unsubResubs()
		defer unsubStatus()

		p.poll(ctx)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			case <-resubs:
				p.poll(ctx)
			case evt := <-statuses:
				// A fresh Syncing state owes a poll; the first poll may
				// have raced the subscription coming up.
				if ch, ok := evt.Payload.(status.Change); ok && ch.To == status.Syncing {
					p.poll(ctx)
				}
			case <-p.kick:
				p.poll(ctx)
			}
		}
	}()
}

// Stop ends the poll loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Kick requests an out-of-band poll. Coalesces with an already queued kick.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) poll(ctx context.Context) {
	snap, err := p.fetcher.FetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures++
		p.logger.Warn("consistency poll failed",
			zap.Int("consecutive", p.failures),
			zap.Error(err))
		if p.failures >= p.cfg.FailThreshold {
			_ = p.machine.Transition(status.Degraded)
		}
		return
	}
	p.failures = 0

	for _, c := range snap.Conversations {
		p.rec.UpsertRemoteConversation(c)
	}
	for _, m := range snap.Messages {
		p.rec.UpsertRemoteMessage(m.Message, m.ClientRef)
	}
	_ = p.machine.Transition(status.Live)
}
