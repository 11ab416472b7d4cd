package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gatebot/internal/task/scheduler"
)

// Validate reports every problem in cfg at once. A nil error means the bot
// can start with cfg (features may still be degraded, e.g. no admin).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if cfg.Telegram.AdminUserID < 0 {
		add("telegram.admin_user_id must be a user id")
	}

	ch := strings.TrimSpace(cfg.Gate.Channel)
	switch {
	case ch == "":
		add("gate.channel is required")
	case !strings.HasPrefix(ch, "@") && strings.TrimSpace(cfg.Gate.JoinURL) == "":
		add("gate.join_url is required when gate.channel is not an @username")
	}
	if u := strings.TrimSpace(cfg.Gate.JoinURL); u != "" {
		if pu, err := url.Parse(u); err != nil || pu.Scheme == "" || pu.Host == "" {
			add("gate.join_url: invalid url %q", u)
		}
	}

	if strings.TrimSpace(cfg.Asset.Path) == "" {
		add("asset.path is required")
	}
	if spec := strings.TrimSpace(cfg.Asset.CheckSchedule); spec != "" {
		if _, err := scheduler.ParseSpec(spec); err != nil {
			add("asset.check_schedule: %v", err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		add("registry.driver: unknown driver %q", cfg.Registry.Driver)
	}
	if strings.TrimSpace(cfg.Registry.Path) == "" {
		add("registry.path is required")
	}

	if cfg.Broadcast.Workers < 0 {
		add("broadcast.workers must be >= 0")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		add("broadcast.rate_per_sec must be >= 0")
	}
	if cfg.Router.Workers < 0 || cfg.Router.QueueSize < 0 {
		add("router.workers and router.queue_size must be >= 0")
	}
	if cfg.Notifier.RetryMax < 0 {
		add("notifier.retry_max must be >= 0")
	}

	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"registry.busy_timeout", cfg.Registry.BusyTimeout},
		{"broadcast.send_timeout", cfg.Broadcast.SendTimeout},
		{"router.command_timeout", cfg.Router.CommandTimeout},
		{"notifier.dedup_window", cfg.Notifier.DedupWindow},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
