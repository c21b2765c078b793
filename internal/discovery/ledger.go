package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingQuery tracks one query awaiting its neighbors response.
type PendingQuery struct {
	NodeID string
	MsgID  string
	SentAt time.Time
}

// QueryLedger stores outstanding queries by node id. It only feeds
// round-trip diagnostics; responses are matched by queue order.
type QueryLedger struct {
	mu    sync.RWMutex
	items map[string]PendingQuery
}

func NewQueryLedger() *QueryLedger {
	return &QueryLedger{
		items: make(map[string]PendingQuery),
	}
}

func (l *QueryLedger) Sent(item PendingQuery) {
	key := strings.TrimSpace(item.NodeID)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = item
}

// Complete removes the node's entry and returns the elapsed time since send.
func (l *QueryLedger) Complete(nodeID string, at time.Time) (time.Duration, bool) {
	key := strings.TrimSpace(nodeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[key]
	if !ok {
		return 0, false
	}
	delete(l.items, key)
	return at.Sub(item.SentAt), true
}

func (l *QueryLedger) Get(nodeID string) (PendingQuery, bool) {
	key := strings.TrimSpace(nodeID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[key]
	return item, ok
}

func (l *QueryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// List returns outstanding queries oldest first.
func (l *QueryLedger) List() []PendingQuery {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingQuery, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}
