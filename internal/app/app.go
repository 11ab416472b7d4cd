package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/delivery"
	"gatebot/internal/gate"
	"gatebot/internal/notifier"
	"gatebot/internal/registry"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	"gatebot/internal/task/scheduler"
	kit "gatebot/internal/transport"
	telegram "gatebot/internal/transport/telegram/adapter"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
)

const assetCheckJob = "asset.check"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store *storage.Store

	adapter kit.Adapter

	registry *registry.Service
	gate     *gate.Gate
	notif    *notifier.Service
	flow     *delivery.Flow
	bcast    *broadcast.Engine
	router   *router.Router
	sched    *scheduler.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Apply warns when the Telegram sink is enabled without a target, so the
	// admin chat is set before the sink is switched on.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetAdminChat(cfg.Telegram.AdminUserID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	reg := registry.New(store, log.With(logx.String("comp", "registry")))
	g := gate.New(ad, cfg.Gate.Channel, log.With(logx.String("comp", "gate")))
	notif := notifier.New(mapNotifierConfig(cfg), ad, log.With(logx.String("comp", "notifier")))
	flow := delivery.New(mapDeliveryConfig(cfg), ad, reg, g, notif, log.With(logx.String("comp", "delivery")))
	bcast := broadcast.New(mapBroadcastConfig(cfg), reg, store, ad, log.With(logx.String("comp", "broadcast")))

	rt := router.New(mapRouterConfig(cfg), ad, log.With(logx.String("comp", "router")))
	h := &handlers{flow: flow, bcast: bcast, out: ad}
	rt.SetRoutes(h.routes())

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		registry: reg,
		gate:     g,
		notif:    notif,
		flow:     flow,
		bcast:    bcast,
		router:   rt,
		sched:    scheduler.New(log.With(logx.String("comp", "scheduler"))),
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	a.checkStartup(cfg)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.applySchedule(cfg)
	a.sched.Start(a.sup.Context())

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c, a.adapter); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("channel", cfg.Gate.Channel),
		logx.Int("users", a.registry.Count(a.sup.Context())),
	)
	return nil
}

// checkStartup logs degraded features. Nothing here stops the bot.
func (a *App) checkStartup(cfg *config.Config) {
	if cfg.Telegram.AdminUserID == 0 {
		a.log.Warn("telegram.admin_user_id is not set; broadcasts and admin alerts are disabled")
	}
	if _, err := a.flow.CheckAsset(); err != nil {
		a.log.Error("CRITICAL: asset file not found; the bot cannot deliver it",
			logx.String("path", cfg.Asset.Path), logx.Err(err))
	}
}

func (a *App) applySchedule(cfg *config.Config) {
	spec := strings.TrimSpace(cfg.Asset.CheckSchedule)
	if spec == "" {
		a.sched.Remove(assetCheckJob)
		return
	}
	if err := a.sched.Set(assetCheckJob, spec, 30*time.Second, a.checkAsset); err != nil {
		a.log.Warn("asset check schedule rejected", logx.String("spec", spec), logx.Err(err))
	}
}

func (a *App) checkAsset(ctx context.Context) error {
	path := a.cfgm.Get().Asset.Path
	fi, err := a.flow.CheckAsset()
	if err != nil {
		alert := fmt.Sprintf("‼️ Asset check failed: %s is not available (%v)", path, err)
		if nerr := a.notif.NotifyAdmin(ctx, notifier.PriorityCritical, alert); nerr != nil &&
			!errors.Is(nerr, notifier.ErrDeduped) && !errors.Is(nerr, notifier.ErrDisabled) {
			a.log.Warn("asset alert failed", logx.Err(nerr))
		}
		return err
	}
	a.log.Debug("asset ok", logx.String("path", path), logx.Int64("bytes", fi.Size()))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.SetAdminChat(newCfg.Telegram.AdminUserID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.gate.SetChannel(newCfg.Gate.Channel)
	a.flow.Apply(mapDeliveryConfig(newCfg))
	a.bcast.Apply(mapBroadcastConfig(newCfg))
	a.notif.Apply(mapNotifierConfig(newCfg))
	if oldCfg == nil || oldCfg.Asset.CheckSchedule != newCfg.Asset.CheckSchedule {
		a.applySchedule(newCfg)
	}
	if oldCfg == nil || oldCfg.Asset.Path != newCfg.Asset.Path {
		a.checkStartup(newCfg)
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	// Storage closes last: in-flight handlers may still write the registry.
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
