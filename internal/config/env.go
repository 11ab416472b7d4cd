package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the file on every parse, so secrets can
// stay out of the config file.
type envOverrides struct {
	Token       string `env:"GATEBOT_TELEGRAM_TOKEN"`
	AdminUserID int64  `env:"GATEBOT_ADMIN_USER_ID"`
	Channel     string `env:"GATEBOT_GATE_CHANNEL"`
	AssetPath   string `env:"GATEBOT_ASSET_PATH"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if s := strings.TrimSpace(o.Token); s != "" {
		cfg.Telegram.Token = s
	}
	if o.AdminUserID != 0 {
		cfg.Telegram.AdminUserID = o.AdminUserID
	}
	if s := strings.TrimSpace(o.Channel); s != "" {
		cfg.Gate.Channel = s
	}
	if s := strings.TrimSpace(o.AssetPath); s != "" {
		cfg.Asset.Path = s
	}
	return nil
}
