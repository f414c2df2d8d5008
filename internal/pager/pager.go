// Package pager loads older message history on demand, one keyset page at a
// time. The cursor is the oldest confirmed message currently in the store, so
// pages stay gap-free even when pushes land between loads.
package pager

import (
	"context"
	"sync"

	"github.com/caiofn/chatsync/internal/reconcile"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// Cursor addresses a keyset position. The zero value means "from the newest".
type Cursor struct {
	CreatedAt int64
	ID        string
}

// HistoryFetcher loads up to limit confirmed messages strictly older than the
// cursor, newest first.
type HistoryFetcher interface {
	FetchMessagesBefore(ctx context.Context, conversationID string, before Cursor, limit int) ([]store.Message, error)
}

const defaultPageSize = 30

type convState struct {
	loading   bool
	fetched   bool
	exhausted bool
}

// Pager is the pagination controller. One page load per conversation runs at
// a time; an overlapping LoadOlder is a no-op, not an error.
type Pager struct {
	fetcher  HistoryFetcher
	rec      *reconcile.Reconciler
	store    *store.Store
	logger   *zap.Logger
	pageSize int

	mu    sync.Mutex
	state map[string]*convState
}

// New creates a pager. pageSize <= 0 selects the default.
func New(fetcher HistoryFetcher, rec *reconcile.Reconciler, st *store.Store, logger *zap.Logger, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Pager{
		fetcher:  fetcher,
		rec:      rec,
		store:    st,
		logger:   logger,
		pageSize: pageSize,
		state:    make(map[string]*convState),
	}
}

// LoadOlder fetches the next older page for a conversation and folds it into
// the store. Returns the number of messages loaded; zero when a load is
// already in flight or the history is exhausted.
func (p *Pager) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	p.mu.Lock()
	st := p.state[conversationID]
	if st == nil {
		st = &convState{}
		p.state[conversationID] = st
	}
	if st.loading || st.exhausted {
		p.mu.Unlock()
		return 0, nil
	}
	st.loading = true
	p.mu.Unlock()

	cursor := p.oldestConfirmed(conversationID)
	page, err := p.fetcher.FetchMessagesBefore(ctx, conversationID, cursor, p.pageSize)

	p.mu.Lock()
	st.loading = false
	if err == nil {
		st.fetched = true
		st.exhausted = len(page) < p.pageSize
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("history page load failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return 0, err
	}

	p.rec.UpsertHistory(page)
	return len(page), nil
}

// HasMore reports whether older history may remain. True until a short page
// proves exhaustion.
func (p *Pager) HasMore(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[conversationID]
	return st == nil || !st.exhausted
}

// Loaded reports whether at least one page has been fetched.
func (p *Pager) Loaded(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[conversationID]
	return st != nil && st.fetched
}

// Reset forgets all pagination state. Called when the store is rebound to a
// new user.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = make(map[string]*convState)
}

// oldestConfirmed finds the keyset cursor: the oldest server-confirmed
// message in the store. Pending entries carry client clocks and never anchor
// a page.
func (p *Pager) oldestConfirmed(conversationID string) Cursor {
	for _, m := range p.store.Messages(conversationID) {
		if m.ID != "" {
			return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
		}
	}
	return Cursor{}
}
