package config

import (
	"strings"

	logx "gatebot/pkg/logx"
)

// Change summarizes a reload for logging and for deciding what can be
// applied live.
type Change struct {
	Sections []string
	// RestartRequired lists settings that only take effect after a restart.
	RestartRequired []string
	Attrs           []logx.Field
}

// SummarizeConfigChange compares two configs. Attrs never include secrets.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, fields ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		c.RestartRequired = append(c.RestartRequired, "telegram.token")
	}
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		c.RestartRequired = append(c.RestartRequired, "telegram.poll_timeout")
	}
	if ot != nt {
		mark("telegram",
			logx.Int64("telegram.admin_user_id", nt.AdminUserID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Gate != newCfg.Gate {
		mark("gate", logx.String("gate.channel", newCfg.Gate.Channel))
	}
	if oldCfg.Asset != newCfg.Asset {
		mark("asset",
			logx.String("asset.path", newCfg.Asset.Path),
			logx.String("asset.check_schedule", newCfg.Asset.CheckSchedule),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		mark("registry", logx.String("registry.driver", newCfg.Registry.Driver))
		c.RestartRequired = append(c.RestartRequired, "registry")
	}
	if strings.TrimSpace(oldCfg.Broadcast.SendTimeout) != strings.TrimSpace(newCfg.Broadcast.SendTimeout) {
		// Also the Bot API client timeout, which is fixed at startup.
		c.RestartRequired = append(c.RestartRequired, "broadcast.send_timeout")
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		mark("broadcast",
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
			logx.Any("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}
	if oldCfg.Router != newCfg.Router {
		mark("router", logx.Int("router.workers", newCfg.Router.Workers))
		c.RestartRequired = append(c.RestartRequired, "router")
	}
	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier", logx.String("notifier.dedup_window", newCfg.Notifier.DedupWindow))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	return c
}
