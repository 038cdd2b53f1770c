package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"oplogmirror/checkpoint"
	"oplogmirror/feed"
	"oplogmirror/oplog"
)

var (
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrAlreadyRunning   = errors.New("engine already running")
)

// State is the engine's run state.
type State string

const (
	StateStopped       State = "stopped"
	StateRunning       State = "running"
	StateStopRequested State = "stop_requested"
)

// Progress is a point-in-time snapshot of a pipeline's replay progress.
type Progress struct {
	State      State       `json:"state"`
	Applied    int64       `json:"applied"`
	LastToken  oplog.Token `json:"last_token"`
	LagSeconds float64     `json:"lag_seconds"`
	StartedAt  time.Time   `json:"started_at"`
}

// Engine replays a change feed into a destination store. It consumes records
// strictly in log order, applies each through the Applier, then advances the
// checkpoint, so a crash between apply and checkpoint redelivers at most the
// record in flight.
type Engine struct {
	cfg         Config
	feed        feed.Feed
	applier     Applier
	checkpoints checkpoint.Store
	log         *zap.Logger

	applied atomic.Int64

	mu        sync.Mutex
	state     State
	lastToken oplog.Token
	startedAt time.Time
}

// New creates a new Engine with the given configuration and collaborators.
func New(cfg Config, f feed.Feed, applier Applier, checkpoints checkpoint.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if f == nil || applier == nil || checkpoints == nil {
		return nil, errors.New("feed, applier and checkpoint store are required")
	}

	cfg.applyDefaults()

	return &Engine{
		cfg:         cfg,
		feed:        f,
		applier:     applier,
		checkpoints: checkpoints,
		log:         cfg.Logger.With(zap.String("pipeline", cfg.SourceIdentity)),
		state:       StateStopped,
	}, nil
}

// Run replays the feed until ctx is cancelled or an unrecoverable error
// occurs. Cancellation is honored only between records: a record whose apply
// has started is always applied and checkpointed before Run returns.
// A clean stop returns nil. Run may be called again after it returns,
// resuming from the saved checkpoint.
func (e *Engine) Run(ctx context.Context) error {
	if !e.begin() {
		return ErrAlreadyRunning
	}
	defer e.finish()

	// Surface StopRequested while a record is still being applied.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.markStopRequested()
		case <-watchDone:
		}
	}()

	resume, err := e.resumeToken(ctx)
	if err != nil {
		return err
	}

	cur, err := e.feed.Subscribe(ctx, resume)
	if err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	defer cur.Close()

	// Some feeds retain records until they are confirmed applied.
	acker, _ := cur.(feed.Acker)

	for {
		rec, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.log.Info("Replay stopped", zap.Int64("applied", e.applied.Load()))
				return nil
			}
			return fmt.Errorf("read change feed: %w", err)
		}

		if err := e.dispatch(ctx, rec, acker); err != nil {
			return err
		}

		if ctx.Err() != nil {
			e.log.Info("Replay stopped", zap.Int64("applied", e.applied.Load()))
			return nil
		}
	}
}

// Start launches Run in a goroutine and returns a Handle for stopping and
// waiting on it.
func (e *Engine) Start(ctx context.Context) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.err = e.Run(runCtx)
	}()
	return h
}

// Progress returns a snapshot of the engine's replay progress.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := Progress{
		State:     e.state,
		Applied:   e.applied.Load(),
		LastToken: e.lastToken,
		StartedAt: e.startedAt,
	}
	if e.state != StateStopped && !e.lastToken.IsZero() {
		p.LagSeconds = e.lastToken.Lag(time.Now()).Seconds()
	}
	return p
}

// resumeToken determines where replay starts: the saved checkpoint when one
// exists, otherwise the configured first-run position.
func (e *Engine) resumeToken(ctx context.Context) (oplog.Token, error) {
	tok, ok, err := e.checkpoints.Load(ctx, e.cfg.SourceIdentity)
	if err != nil {
		return oplog.Token{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		e.log.Info("Resuming from checkpoint", zap.String("token", tok.String()))
		return tok, nil
	}

	if e.cfg.FirstRun == FromNow {
		tok = oplog.Token{Time: time.Now().Unix()}
		e.log.Info("No checkpoint, skipping history", zap.String("token", tok.String()))
		return tok, nil
	}

	e.log.Info("No checkpoint, replaying from beginning")
	return oplog.Token{}, nil
}

// dispatch applies one record and advances the checkpoint. The record is
// applied under a context that survives cancellation of ctx, so a requested
// stop never truncates the apply-then-checkpoint pair.
func (e *Engine) dispatch(ctx context.Context, rec oplog.Record, acker feed.Acker) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	applyCtx := context.WithoutCancel(ctx)

	var err error
	switch rec.Kind {
	case oplog.KindInsert:
		err = e.applier.ApplyInsert(applyCtx, rec.Namespace, rec.Document)
	case oplog.KindUpdate:
		err = e.applier.ApplyUpdate(applyCtx, rec.Namespace, rec.Selector, rec.Mutation)
	case oplog.KindDelete:
		err = e.applier.ApplyDelete(applyCtx, rec.Namespace, rec.Selector)
	default:
		return fmt.Errorf("%w: %q at %s", ErrUnknownOperation, rec.Kind, rec.Token)
	}
	if err != nil {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordApplyError(e.cfg.SourceIdentity)
		}
		return fmt.Errorf("apply %s %s at %s: %w", rec.Kind, rec.Namespace, rec.Token, err)
	}

	if err := e.checkpoints.Save(applyCtx, e.cfg.SourceIdentity, rec.Token); err != nil {
		return fmt.Errorf("save checkpoint at %s: %w", rec.Token, err)
	}

	// The checkpoint is durable; the source no longer has to retain the
	// record for redelivery.
	if acker != nil {
		acker.Ack(rec.Token)
	}

	n := e.applied.Add(1)
	e.mu.Lock()
	e.lastToken = rec.Token
	e.mu.Unlock()

	lag := rec.Token.Lag(time.Now())
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordApplied(e.cfg.SourceIdentity, string(rec.Kind), lag.Seconds())
		e.cfg.Metrics.RecordCheckpointSave(e.cfg.SourceIdentity)
	}

	if n%int64(e.cfg.ProgressEvery) == 0 {
		e.log.Info("Replay progress",
			zap.Int64("applied", n),
			zap.String("token", rec.Token.String()),
			zap.Float64("lag_seconds", lag.Seconds()))
	}

	return nil
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return false
	}
	e.state = StateRunning
	e.startedAt = time.Now()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetRunning(e.cfg.SourceIdentity, true)
	}
	return true
}

func (e *Engine) markStopRequested() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StateStopRequested
	}
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateStopped
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetRunning(e.cfg.SourceIdentity, false)
	}
}

// Handle controls a replay loop launched with Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop requests a cooperative stop and blocks until the loop has exited,
// returning the run's error, if any. Stopping an already stopped loop is
// a no-op.
func (h *Handle) Stop() error {
	h.cancel()
	<-h.done
	return h.err
}

// Wait blocks until the loop exits on its own and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done returns a channel closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
