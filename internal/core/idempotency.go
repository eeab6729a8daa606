package core

import (
	"container/list"
	"context"
	"sync"

	"StockLedger/internal/observability"
)

// CommandDeduper implements two-tier command de-duplication: an in-memory
// LRU of recently committed command ids in front of a durable lookup.
type CommandDeduper struct {
	mu      sync.Mutex
	lru     *CommandLRU
	durable DurableCommandChecker
	metrics *observability.Metrics
}

// DurableCommandChecker answers whether a command was ever committed.
// eventstore.Store satisfies it.
type DurableCommandChecker interface {
	HasCommand(ctx context.Context, command, commandID string) (bool, error)
}

func NewCommandDeduper(capacity int, durable DurableCommandChecker, metrics *observability.Metrics) *CommandDeduper {
	return &CommandDeduper{
		lru:     NewCommandLRU(capacity),
		durable: durable,
		metrics: metrics,
	}
}

// Seen reports whether command with commandID has already been committed.
// Ids are scoped by command name. A durable lookup failure is reported as
// not seen; the stream version checks still protect the ledger.
func (d *CommandDeduper) Seen(ctx context.Context, command, commandID string) bool {
	if commandID == "" {
		return false
	}
	key := dedupKey(command, commandID)

	d.mu.Lock()
	hit := d.lru.Contains(key)
	d.mu.Unlock()
	if hit {
		d.metrics.IncDedupHit("lru")
		return true
	}

	if d.durable == nil {
		return false
	}
	seen, err := d.durable.HasCommand(ctx, command, commandID)
	if err != nil || !seen {
		return false
	}
	d.metrics.IncDedupHit("postgres")
	d.Mark(command, commandID)
	return true
}

// Mark records a committed command.
func (d *CommandDeduper) Mark(command, commandID string) {
	if commandID == "" {
		return
	}
	d.mu.Lock()
	evicted := d.lru.Add(dedupKey(command, commandID))
	size := d.lru.Size()
	d.mu.Unlock()
	d.metrics.SetDedupLRU(size, evicted)
}

func dedupKey(command, commandID string) string {
	return command + ":" + commandID
}

// CommandLRU is a fixed-capacity LRU set. Not safe for concurrent use.
type CommandLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func NewCommandLRU(capacity int) *CommandLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &CommandLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key.
func (l *CommandLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key and reports whether an entry was evicted.
func (l *CommandLRU) Add(key string) bool {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.cache, oldest.Value.(string))
	return true
}

func (l *CommandLRU) Size() int {
	return l.order.Len()
}
