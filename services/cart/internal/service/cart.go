package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
	"github.com/utafrali/gomarketplace/pkg/logger"
	"github.com/utafrali/gomarketplace/pkg/tracing"
	"github.com/utafrali/gomarketplace/services/cart/internal/domain"
	"github.com/utafrali/gomarketplace/services/cart/internal/repository"
)

// Defaults for snapshot persistence.
const (
	DefaultMaxTries        = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultWriteTimeout    = 5 * time.Second

	maxRetryInterval = 2 * time.Second
)

// Operation names a cart mutation.
type Operation string

// Cart operations reported in Change and metrics.
const (
	OpLoad      Operation = "load"
	OpAddToCart Operation = "add_to_cart"
	OpIncrement Operation = "increment"
	OpDecrement Operation = "decrement"
)

// Change describes a state transition delivered to subscribers. Items is the
// full sequence after the change and must not be modified. Callbacks may run
// concurrently for concurrent mutations; Version orders them. CorrelationID
// is taken from the context of the call that caused the change.
type Change struct {
	Version       uint64
	Operation     Operation
	ProductID     string
	CorrelationID string
	Items         []domain.CartItem
}

// Option configures a CartStore.
type Option func(*CartStore)

// WithWriteErrorHandler registers fn to receive snapshot writes that failed
// after all retries. The error matches apperrors.ErrPersistenceWrite. fn runs
// on the writer goroutine and should return quickly.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(s *CartStore) { s.onWriteError = fn }
}

// WithRetry sets the number of write attempts and the first backoff interval.
func WithRetry(maxTries uint, initialInterval time.Duration) Option {
	return func(s *CartStore) {
		if maxTries > 0 {
			s.maxTries = maxTries
		}
		if initialInterval > 0 {
			s.initialInterval = initialInterval
		}
	}
}

// WithWriteTimeout bounds each individual write attempt.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *CartStore) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

type cartState struct {
	items   []domain.CartItem
	version uint64
}

type transition func([]domain.CartItem) []domain.CartItem

type flushWaiter struct {
	target uint64
	done   chan struct{}
}

var errSuperseded = errors.New("snapshot superseded by a newer state")

// CartStore owns the cart line items. Mutations are applied one at a time to
// the latest state and the resulting snapshot is handed to a background
// writer. Callers never wait for persistence.
type CartStore struct {
	repo   repository.SnapshotStore
	logger *slog.Logger
	tracer trace.Tracer

	onWriteError    func(error)
	maxTries        uint
	initialInterval time.Duration
	writeTimeout    time.Duration

	// mu serializes mutations, Load and Close. It is not held across the
	// snapshot read.
	mu      sync.Mutex
	state   atomic.Pointer[cartState]
	isReady bool
	loading bool
	closed  bool
	journal []transition
	loaded  chan struct{}

	obsMu     sync.RWMutex
	observers map[uint64]func(Change)
	nextObsID uint64

	// pendingMu guards the writer hand-off.
	pendingMu  sync.Mutex
	pending    *cartState
	settledErr error
	enqueued   atomic.Uint64
	settled    atomic.Uint64

	wake    chan struct{}
	flushCh chan flushWaiter
	stop    chan struct{}
	done    chan struct{}
}

// NewCartStore creates an empty store backed by repo and starts its writer.
// Call Load to adopt the persisted snapshot and Close to stop the writer.
func NewCartStore(repo repository.SnapshotStore, logger *slog.Logger, opts ...Option) *CartStore {
	s := &CartStore{
		repo:            repo,
		logger:          logger,
		tracer:          tracing.Tracer("github.com/utafrali/gomarketplace/services/cart/internal/service"),
		maxTries:        DefaultMaxTries,
		initialInterval: DefaultInitialInterval,
		writeTimeout:    DefaultWriteTimeout,
		loaded:          make(chan struct{}),
		observers:       make(map[uint64]func(Change)),
		wake:            make(chan struct{}, 1),
		flushCh:         make(chan flushWaiter),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&cartState{items: []domain.CartItem{}})

	go s.runWriter()
	return s
}

// Load reads the persisted snapshot and adopts it. Mutations made before Load
// are replayed on top of the snapshot. A missing snapshot yields an empty
// cart. A read failure leaves the store unloaded, returns an error matching
// apperrors.ErrPersistenceRead and may be retried; no snapshot is written
// until a load succeeds. Calling Load while another Load is in flight or
// after a successful load is a usage error.
func (s *CartStore) Load(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return apperrors.Usage("cart store is closed")
	case s.isReady:
		s.mu.Unlock()
		return apperrors.Usage("cart already loaded")
	case s.loading:
		s.mu.Unlock()
		return apperrors.Usage("cart load already in progress")
	}
	s.loading = true
	s.mu.Unlock()

	// Mutations keep journaling while the read is in flight.
	items, err := s.repo.LoadSnapshot(ctx)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		cartSnapshotLoadsTotal.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "failed to load cart snapshot",
			slog.String("key", repository.SnapshotKey),
			slog.String("error", err.Error()),
		)
		return apperrors.PersistenceRead(err)
	}
	if s.closed {
		s.mu.Unlock()
		return apperrors.Usage("cart store closed during load")
	}

	replayed := len(s.journal)
	for _, fn := range s.journal {
		items = fn(items)
	}
	s.journal = nil

	next := &cartState{items: items, version: s.state.Load().version + 1}
	s.state.Store(next)
	s.isReady = true
	close(s.loaded)
	if replayed > 0 {
		s.enqueue(next)
	}
	s.mu.Unlock()

	cartSnapshotLoadsTotal.WithLabelValues("success").Inc()
	cartLineItems.Set(float64(len(items)))
	span.SetAttributes(
		attribute.Int("cart.line_items", len(items)),
		attribute.Int("cart.replayed", replayed),
	)
	s.logger.InfoContext(ctx, "cart snapshot loaded",
		slog.Int("line_items", len(items)),
		slog.Int("item_count", domain.ItemCount(items)),
		slog.Int("replayed_mutations", replayed),
	)

	s.notify(Change{
		Version:       next.version,
		Operation:     OpLoad,
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		Items:         domain.Clone(items),
	})
	return nil
}

// Loaded is closed once a Load has succeeded.
func (s *CartStore) Loaded() <-chan struct{} {
	return s.loaded
}

// Products returns a copy of the current line items in insertion order.
func (s *CartStore) Products() []domain.CartItem {
	return domain.Clone(s.state.Load().items)
}

// ItemCount returns the sum of all quantities.
func (s *CartStore) ItemCount() int {
	return domain.ItemCount(s.state.Load().items)
}

// Version increases with every applied change.
func (s *CartStore) Version() uint64 {
	return s.state.Load().version
}

// AddToCart adds p with quantity 1, or raises the quantity of the line item
// that already carries p.ID. An empty p.ID is rejected with an error matching
// apperrors.ErrInvalidInput and leaves the cart untouched.
func (s *CartStore) AddToCart(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		cartMutationsTotal.WithLabelValues(string(OpAddToCart), "rejected").Inc()
		return apperrors.InvalidInput("product id is required")
	}
	return s.mutate(ctx, OpAddToCart, p.ID, func(items []domain.CartItem) []domain.CartItem {
		return domain.AddProduct(items, p)
	})
}

// Increment raises the quantity of the line item with the given id. Unknown
// ids are ignored.
func (s *CartStore) Increment(ctx context.Context, id string) error {
	return s.mutate(ctx, OpIncrement, id, func(items []domain.CartItem) []domain.CartItem {
		return domain.IncrementItem(items, id)
	})
}

// Decrement lowers the quantity of the line item with the given id and
// removes it at zero. Unknown ids are ignored.
func (s *CartStore) Decrement(ctx context.Context, id string) error {
	return s.mutate(ctx, OpDecrement, id, func(items []domain.CartItem) []domain.CartItem {
		return domain.DecrementItem(items, id)
	})
}

func (s *CartStore) mutate(ctx context.Context, op Operation, productID string, fn transition) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cartMutationsTotal.WithLabelValues(string(op), "rejected").Inc()
		return apperrors.Usage("cart store is closed")
	}

	if !s.isReady {
		s.journal = append(s.journal, fn)
	}

	cur := s.state.Load()
	items := fn(cur.items)
	if sameSequence(cur.items, items) {
		s.mu.Unlock()
		cartMutationsTotal.WithLabelValues(string(op), "noop").Inc()
		s.logger.DebugContext(ctx, "cart mutation had no effect",
			slog.String("operation", string(op)),
			slog.String("product_id", productID),
		)
		return nil
	}

	next := &cartState{items: items, version: cur.version + 1}
	s.state.Store(next)
	if s.isReady {
		s.enqueue(next)
	}
	s.mu.Unlock()

	cartMutationsTotal.WithLabelValues(string(op), "applied").Inc()
	cartLineItems.Set(float64(len(items)))
	s.logger.DebugContext(ctx, "cart mutated",
		slog.String("operation", string(op)),
		slog.String("product_id", productID),
		slog.Uint64("version", next.version),
		slog.Int("item_count", domain.ItemCount(items)),
	)

	s.notify(Change{
		Version:       next.version,
		Operation:     op,
		ProductID:     productID,
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		Items:         domain.Clone(items),
	})
	return nil
}

// sameSequence reports whether a transition returned its input untouched.
// Transitions copy on every change, so identity is enough.
func sameSequence(a, b []domain.CartItem) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// Subscribe registers fn to be called after every change. The returned
// function removes the subscription and is safe to call more than once.
func (s *CartStore) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *CartStore) notify(c Change) {
	s.obsMu.RLock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range fns {
		s.callObserver(fn, c)
	}
}

func (s *CartStore) callObserver(fn func(Change), c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("cart observer panicked",
				slog.Any("panic", rec),
				slog.String("operation", string(c.Operation)),
				slog.Uint64("version", c.Version),
			)
		}
	}()
	fn(c)
}

// LastWriteError returns the error of the most recently settled snapshot
// write, or nil once a later write has succeeded.
func (s *CartStore) LastWriteError() error {
	return s.lastWriteErr()
}

// Flush blocks until every change made before the call has been written or
// has failed. It returns the write error of the most recent snapshot, if any.
func (s *CartStore) Flush(ctx context.Context) error {
	target := s.enqueued.Load()
	if s.settled.Load() >= target {
		return s.lastWriteErr()
	}

	w := flushWaiter{target: target, done: make(chan struct{})}
	select {
	case s.flushCh <- w:
	case <-s.done:
		return s.lastWriteErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.done:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.lastWriteErr()
}

// Close writes any pending snapshot, stops the writer and rejects further
// mutations. It is safe to call more than once.
func (s *CartStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return s.lastWriteErr()
	case <-ctx.Done():
		return fmt.Errorf("close cart store: %w", ctx.Err())
	}
}

// enqueue hands state to the writer. Callers hold s.mu, so versions arrive
// in order and pending always holds the latest one.
func (s *CartStore) enqueue(state *cartState) {
	s.pendingMu.Lock()
	s.pending = state
	s.enqueued.Store(state.version)
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CartStore) takePending() *cartState {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

func (s *CartStore) hasPending() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending != nil
}

func (s *CartStore) settle(version uint64, err error) {
	s.pendingMu.Lock()
	s.settledErr = err
	s.pendingMu.Unlock()
	s.settled.Store(version)
}

func (s *CartStore) lastWriteErr() error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.settledErr
}

func (s *CartStore) runWriter() {
	defer close(s.done)

	var waiters []flushWaiter
	for {
		select {
		case <-s.wake:
		case w := <-s.flushCh:
			waiters = append(waiters, w)
		case <-s.stop:
			s.drain()
			for _, w := range waiters {
				close(w.done)
			}
			return
		}

		s.drain()
		waiters = s.releaseSettled(waiters)
	}
}

// drain writes pending snapshots until none is left.
func (s *CartStore) drain() {
	for {
		snap := s.takePending()
		if snap == nil {
			return
		}
		s.persist(snap)
	}
}

func (s *CartStore) releaseSettled(waiters []flushWaiter) []flushWaiter {
	settled := s.settled.Load()
	kept := waiters[:0]
	for _, w := range waiters {
		if w.target <= settled {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	return kept
}

// persist writes snap with retries. An open circuit stops retrying at once,
// and a newer pending snapshot supersedes snap between attempts.
func (s *CartStore) persist(snap *cartState) {
	ctx, span := s.tracer.Start(context.Background(), "cart.persist",
		trace.WithAttributes(
			attribute.Int64("cart.version", int64(snap.version)),
			attribute.Int("cart.line_items", len(snap.items)),
		),
	)
	defer span.End()

	start := time.Now()
	tries := 0
	attempt := func() (struct{}, error) {
		if tries > 0 && s.hasPending() {
			return struct{}{}, backoff.Permanent(errSuperseded)
		}
		tries++

		actx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		err := s.repo.SaveSnapshot(actx, snap.items)
		if err != nil && repository.IsCircuitOpen(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("cart snapshot write failed, retrying",
				slog.Uint64("version", snap.version),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	cartSnapshotWriteDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("cart.write_attempts", tries))

	switch {
	case err == nil:
		cartSnapshotWritesTotal.WithLabelValues("success").Inc()
		s.settle(snap.version, nil)
	case errors.Is(err, errSuperseded):
		cartSnapshotWritesTotal.WithLabelValues("superseded").Inc()
		s.logger.Debug("cart snapshot superseded before it was written",
			slog.Uint64("version", snap.version),
		)
	default:
		werr := apperrors.PersistenceWrite(err)
		cartSnapshotWritesTotal.WithLabelValues("error").Inc()
		span.RecordError(werr)
		span.SetStatus(codes.Error, werr.Error())
		s.logger.Error("cart snapshot write failed",
			slog.String("key", repository.SnapshotKey),
			slog.Uint64("version", snap.version),
			slog.Int("attempts", tries),
			slog.String("error", err.Error()),
		)
		s.settle(snap.version, werr)
		if s.onWriteError != nil {
			s.onWriteError(werr)
		}
	}
}

func (s *CartStore) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = maxRetryInterval
	return b
}
