package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
)

// DefaultReconcileAfter is the reconnect gap beyond which the list is
// refetched.
const DefaultReconcileAfter = 10 * time.Second

// Checkpoints persists sync timestamps.
type Checkpoints interface {
	SetCheckpoint(key string, t time.Time) error
	Checkpoint(key string) (time.Time, error)
}

// Reconciler keeps the connection checkpoint current and refetches after
// long disconnects.
type Reconciler struct {
	src    Source
	convs  Conversations
	db     Checkpoints
	bus    *bus.Bus
	logger *zap.Logger
	after  time.Duration
	now    func() time.Time

	running atomic.Bool
	live    atomic.Bool
	unsubs  []func()
	wg      gosync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// ReconcilerOptions lists the Reconciler's collaborators. Checkpoints may be
// nil when no cache is configured.
type ReconcilerOptions struct {
	Source         Source
	Conversations  Conversations
	Checkpoints    Checkpoints
	Bus            *bus.Bus
	Logger         *zap.Logger
	ReconcileAfter time.Duration
	Now            func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = DefaultReconcileAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		src:    opts.Source,
		convs:  opts.Conversations,
		db:     opts.Checkpoints,
		bus:    opts.Bus,
		logger: opts.Logger,
		after:  opts.ReconcileAfter,
		now:    opts.Now,
	}
}

// Start registers for status and reconnect notifications.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.unsubs = append(r.unsubs,
		r.src.OnStatus(r.handleStatus),
		r.src.OnReconnect(r.handleReconnect),
	)
}

// Stop unregisters and waits for a running reconcile to finish.
func (r *Reconciler) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// LastConnected returns the persisted last_connected_at checkpoint.
func (r *Reconciler) LastConnected() (time.Time, error) {
	if r.db == nil {
		return time.Time{}, nil
	}
	return r.db.Checkpoint(store.KeyLastConnectedAt)
}

// handleStatus stamps last_connected_at on entering and on leaving
// CONNECTED, so the checkpoint brackets the last live moment.
func (r *Reconciler) handleStatus(s status.State) {
	connected := s == status.Connected
	wasConnected := r.live.Swap(connected)
	if r.db == nil || (!connected && !wasConnected) {
		return
	}
	if err := r.db.SetCheckpoint(store.KeyLastConnectedAt, r.now()); err != nil {
		r.logger.Warn("update checkpoint failed", zap.String("key", store.KeyLastConnectedAt), zap.Error(err))
	}
}

func (r *Reconciler) handleReconnect(gap time.Duration) {
	r.bus.Emit(bus.ChannelReconnected, gap)
	if gap <= r.after {
		r.logger.Debug("reconnect gap below threshold", zap.Duration("gap", gap))
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		if err := r.Reconcile(r.ctx); err != nil {
			r.logger.Warn("reconcile failed", zap.Duration("gap", gap), zap.Error(err))
			return
		}
		r.logger.Info("reconciled after reconnect", zap.Duration("gap", gap))
	}()
}

// Reconcile refetches the store now and records last_reconciled_at.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if err := r.convs.Reconcile(ctx); err != nil {
		return err
	}
	if r.db == nil {
		return nil
	}
	if err := r.db.SetCheckpoint(store.KeyLastReconciledAt, r.now()); err != nil {
		r.logger.Warn("update checkpoint failed", zap.String("key", store.KeyLastReconciledAt), zap.Error(err))
	}
	return nil
}
