package app

import (
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/delivery"
	"gatebot/internal/notifier"
	"gatebot/internal/storage"
	telegram "gatebot/internal/transport/telegram/adapter"
	"gatebot/internal/transport/telegram/router"
	logx "gatebot/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// malformed durations fall back to defaults instead of failing.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapTelegramConfig bounds each Bot API call by the broadcast send timeout.
// The adapter raises it when the long poll needs more.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		RequestTimeout: config.MustDuration(cfg.Broadcast.SendTimeout, 15*time.Second),
	}, nil
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Registry.Driver,
		Path:        cfg.Registry.Path,
		BusyTimeout: config.MustDuration(cfg.Registry.BusyTimeout, time.Second),
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		Channel:   cfg.Gate.Channel,
		JoinURL:   cfg.Gate.JoinURL,
		AssetPath: cfg.Asset.Path,
		FileName:  cfg.Asset.FileName,
		Caption:   cfg.Asset.Caption,
	}
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		AdminID:     cfg.Telegram.AdminUserID,
		Workers:     cfg.Broadcast.Workers,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		SendTimeout: config.MustDuration(cfg.Broadcast.SendTimeout, 15*time.Second),
	}
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		Workers:        cfg.Router.Workers,
		QueueSize:      cfg.Router.QueueSize,
		CommandTimeout: config.MustDuration(cfg.Router.CommandTimeout, 30*time.Second),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	retry := cfg.Notifier.RetryMax
	if retry == 0 {
		retry = 3
	}
	return notifier.Config{
		AdminID:     cfg.Telegram.AdminUserID,
		RatePerSec:  cfg.Notifier.RatePerSec,
		RetryMax:    retry,
		DedupWindow: config.MustDuration(cfg.Notifier.DedupWindow, 10*time.Minute),
	}
}
