// Package broadcast sends one operator message to every registered user.
//
// A run is a single pass with no retries. Each recipient's outcome is
// classified independently; recipients that blocked the bot are pruned from
// the registry after the pass. The prune reloads the registry, so users who
// registered while the pass was running are kept.
package broadcast

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	reg   Registry
	audit Auditor
	out   Sender
	log   logx.Logger

	running atomic.Bool
	last    atomic.Pointer[Report]
}

func New(cfg Config, reg Registry, audit Auditor, out Sender, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{reg: reg, audit: audit, out: out, log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps settings for subsequent runs. A run in progress keeps the
// settings it started with.
func (e *Engine) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// Last returns the report of the most recent completed run.
func (e *Engine) Last() (Report, bool) {
	r := e.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Run performs one broadcast.
func (e *Engine) Run(ctx context.Context, req Request) (Report, error) {
	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()

	if cfg.AdminID == 0 || req.CallerID != cfg.AdminID {
		e.log.Warn("broadcast attempt by non-admin", logx.Int64("caller_id", req.CallerID))
		if e.audit != nil {
			e.audit.Audit(ctx, storage.AuditEntry{ActorID: req.CallerID, Action: "broadcast.denied", Error: ErrPermissionDenied.Error()})
		}
		return Report{}, ErrPermissionDenied
	}
	if strings.TrimSpace(req.Text) == "" {
		return Report{}, ErrEmptyMessage
	}
	if !e.running.CompareAndSwap(false, true) {
		e.log.Warn("broadcast rejected: another run in progress", logx.Int64("caller_id", req.CallerID))
		return Report{}, ErrBroadcastRunning
	}
	defer e.running.Store(false)

	users := e.reg.Snapshot(ctx)
	if len(users) == 0 {
		e.log.Info("broadcast skipped: registry is empty")
		return Report{}, ErrNoRecipients
	}
	ids := users.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rep := Report{RunID: uuid.NewString(), Total: len(ids)}
	log := e.log.With(logx.String("run_id", rep.RunID))
	log.Info("broadcast started", logx.Int64("caller_id", req.CallerID), logx.Int("recipients", rep.Total), logx.Int("workers", cfg.Workers))
	if req.OnStart != nil {
		req.OnStart(rep.Total)
	}

	start := time.Now()
	res := e.pass(ctx, log, cfg, lim, ids, req.Text)
	rep.Sent = res.sent
	rep.Failed = res.failed
	rep.Blocked = len(res.blocked)

	// The pass may have ended on cancellation; its outcome is still recorded.
	if len(res.blocked) > 0 {
		rep.Pruned = e.reg.Prune(ctx, res.blocked)
	}
	rep.Duration = time.Since(start)

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("blocked", rep.Blocked),
		logx.Int("pruned", rep.Pruned),
		logx.Duration("dur", rep.Duration),
	}
	if rep.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}

	if e.audit != nil {
		e.audit.Audit(context.WithoutCancel(ctx), storage.AuditEntry{
			ActorID: req.CallerID,
			Action:  "broadcast",
			Target:  rep.RunID,
			OK:      rep.Sent,
			Fail:    rep.Failed,
			TookMS:  rep.Duration.Milliseconds(),
			Meta:    map[string]any{"total": rep.Total, "blocked": rep.Blocked, "pruned": rep.Pruned},
		})
	}
	cp := rep
	e.last.Store(&cp)
	return rep, nil
}
