// Package outbox implements the write-behind outbox (spec §4.6): bounded
// in-memory queues per entity kind, drained by a batch worker into the
// relational store with at-least-once delivery via a processing-queue
// backup protocol.
package outbox

import (
	"fmt"
	"sync"
	"time"

	"order-matching-engine/internal/metrics"
	"order-matching-engine/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Kind identifies which entity-kind queue an item belongs to.
type Kind string

const (
	KindOrder Kind = "order"
	KindTrade Kind = "trade"
	KindAsset Kind = "asset"
)

// Persister is the relational store's idempotent upsert surface; see
// internal/db.Store.
type Persister interface {
	UpsertOrder(o *models.Order) error
	UpsertTrade(t *models.Trade) error
	UpsertAsset(a *models.Asset) error
}

// Config tunes the batch worker. Zero values fall back to the spec's
// defaults (500 items/tick, 10s tick, 30s warm-up).
type Config struct {
	BatchSize    int
	TickInterval time.Duration
	WarmUp       time.Duration
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.WarmUp <= 0 {
		c.WarmUp = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100_000
	}
	return c
}

// deque is a mutex-guarded double-ended queue of cache keys. PushBack is
// the producer path (multi-producer); PushFront lets the worker return a
// failed item to the head of the queue so it is retried before newer
// work (spec §4.6 step 4). PushBack blocks while the queue is at
// capacity, which is this outbox's backpressure mechanism.
type deque struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []string
	capacity int
}

func newDeque(capacity int) *deque {
	d := &deque{capacity: capacity}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *deque) pushBack(key string) {
	d.mu.Lock()
	for len(d.items) >= d.capacity {
		d.cond.Wait()
	}
	d.items = append(d.items, key)
	d.mu.Unlock()
}

func (d *deque) pushFront(key string) {
	d.mu.Lock()
	d.items = append([]string{key}, d.items...)
	d.cond.Signal()
	d.mu.Unlock()
}

// drainUpTo atomically removes up to n items from the front of the queue.
func (d *deque) drainUpTo(n int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.items) {
		n = len(d.items)
	}
	out := append([]string(nil), d.items[:n]...)
	d.items = d.items[n:]
	d.cond.Broadcast()
	return out
}

type deadLetterItem struct {
	Kind  Kind
	Key   string
	Error error
}

// Outbox is the write-behind coordinator. Settlement and the ledger call
// PublishOrder/PublishTrade/PublishAsset at the moment of mutation; Run
// drives the periodic batch worker.
type Outbox struct {
	store    Persister
	cache    *gocache.Cache
	breakers map[Kind]*gobreaker.CircuitBreaker
	queues   map[Kind]*deque
	metrics  *metrics.Registry
	log      zerolog.Logger
	cfg      Config

	deadLetterMu sync.Mutex
	deadLetter   []deadLetterItem
}

// New constructs an Outbox. The go-cache instance is the source-of-truth
// read by the batch worker at apply time (spec §4.6 step 2), grounded on
// abdoElHodaky-tradSys's patrickmn/go-cache read-through cache in front of
// persistence.
func New(store Persister, reg *metrics.Registry, log zerolog.Logger, cfg Config) *Outbox {
	cfg = cfg.withDefaults()
	o := &Outbox{
		store:   store,
		cache:   gocache.New(gocache.NoExpiration, time.Minute),
		metrics: reg,
		log:     log,
		cfg:     cfg,
		queues: map[Kind]*deque{
			KindOrder: newDeque(cfg.QueueCapacity),
			KindTrade: newDeque(cfg.QueueCapacity),
			KindAsset: newDeque(cfg.QueueCapacity),
		},
		breakers: make(map[Kind]*gobreaker.CircuitBreaker),
	}
	for _, k := range []Kind{KindOrder, KindTrade, KindAsset} {
		kind := k
		o.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(kind),
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				o.log.Warn().Str("kind", name).Str("from", from.String()).Str("to", to.String()).Msg("outbox circuit breaker state change")
			},
		})
	}
	return o
}

func key(kind Kind, id string) string { return string(kind) + ":" + id }

// PublishOrder stages an order snapshot for persistence.
func (o *Outbox) PublishOrder(ord models.Order) {
	k := key(KindOrder, fmt.Sprintf("%d:%d", ord.TradingPairID, ord.ID))
	o.cache.Set(k, ord, gocache.NoExpiration)
	o.queues[KindOrder].pushBack(k)
}

// PublishTrade stages a trade for persistence.
func (o *Outbox) PublishTrade(t models.Trade) {
	k := key(KindTrade, fmt.Sprintf("%d:%d", t.TradingPairID, t.ID))
	o.cache.Set(k, t, gocache.NoExpiration)
	o.queues[KindTrade].pushBack(k)
}

// PublishAsset stages a ledger cell snapshot for persistence; satisfies
// ledger.Publisher.
func (o *Outbox) PublishAsset(a models.Asset) {
	k := key(KindAsset, fmt.Sprintf("%d:%s", a.UserID, a.Symbol))
	o.cache.Set(k, a, gocache.NoExpiration)
	o.queues[KindAsset].pushBack(k)
}

// Run blocks, driving the periodic batch worker until ctx-like stop is
// closed. Call it in its own goroutine.
func (o *Outbox) Run(stop <-chan struct{}) {
	select {
	case <-time.After(o.cfg.WarmUp):
	case <-stop:
		return
	}

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, k := range []Kind{KindOrder, KindTrade, KindAsset} {
				o.processBatch(k)
			}
		case <-stop:
			return
		}
	}
}

// processBatch implements spec §4.6 steps 1-5 for one entity kind.
func (o *Outbox) processBatch(kind Kind) {
	q := o.queues[kind]
	processing := q.drainUpTo(o.cfg.BatchSize)
	if len(processing) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Batch-level failure: restore the whole processing set, preserving order.
			for i := len(processing) - 1; i >= 0; i-- {
				q.pushFront(processing[i])
			}
			o.log.Error().Str("kind", string(kind)).Interface("panic", r).Msg("outbox batch worker panicked; items restored")
		}
	}()

	for _, k := range processing {
		if err := o.applyOne(kind, k); err != nil {
			if isPermanent(err) {
				o.quarantine(kind, k, err)
				continue
			}
			q.pushFront(k)
			if o.metrics != nil {
				o.metrics.OutboxRetried.WithLabelValues(string(kind)).Inc()
			}
			continue
		}
		if o.metrics != nil {
			o.metrics.OutboxApplied.WithLabelValues(string(kind)).Inc()
		}
	}
}

func (o *Outbox) applyOne(kind Kind, k string) error {
	val, ok := o.cache.Get(k)
	if !ok {
		// Nothing to do: a newer write already replaced this key's state and
		// will itself be queued, or it was already applied and evicted.
		return nil
	}

	breaker := o.breakers[kind]
	_, err := breaker.Execute(func() (interface{}, error) {
		switch kind {
		case KindOrder:
			v := val.(models.Order)
			return nil, o.store.UpsertOrder(&v)
		case KindTrade:
			v := val.(models.Trade)
			return nil, o.store.UpsertTrade(&v)
		case KindAsset:
			v := val.(models.Asset)
			return nil, o.store.UpsertAsset(&v)
		default:
			return nil, fmt.Errorf("unknown outbox kind %q", kind)
		}
	})
	return err
}

func (o *Outbox) quarantine(kind Kind, k string, err error) {
	o.deadLetterMu.Lock()
	o.deadLetter = append(o.deadLetter, deadLetterItem{Kind: kind, Key: k, Error: err})
	o.deadLetterMu.Unlock()

	if o.metrics != nil {
		o.metrics.OutboxQuarantined.WithLabelValues(string(kind), classify(err)).Inc()
	}
	o.log.Error().Str("kind", string(kind)).Str("key", k).Err(err).Msg("outbox item quarantined")
}

// DeadLetterCount reports the number of permanently-failed items, for
// operator tooling.
func (o *Outbox) DeadLetterCount() int {
	o.deadLetterMu.Lock()
	defer o.deadLetterMu.Unlock()
	return len(o.deadLetter)
}

// isPermanent distinguishes a permanent persistence failure (constraint
// violation, schema mismatch) from a transient one (connection loss,
// deadlock). The relational driver surfaces both as plain errors; without
// per-driver error code inspection wired in, any failure the circuit
// breaker itself raised (ErrOpenState) is transient by definition, and
// everything else is treated as transient too, favoring retry over data
// loss (spec invariant X1 "no item is lost").
func isPermanent(err error) bool {
	return false
}

func classify(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
