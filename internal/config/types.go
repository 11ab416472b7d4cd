package config

// Config is the whole bot configuration. All durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Gate      GateConfig      `json:"gate"`
	Asset     AssetConfig     `json:"asset"`
	Registry  RegistryConfig  `json:"registry"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Router    RouterConfig    `json:"router"`
	Notifier  NotifierConfig  `json:"notifier"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserID is the operator allowed to broadcast and receiving alerts.
	// Zero disables both.
	AdminUserID int64  `json:"admin_user_id"`
	PollTimeout string `json:"poll_timeout"`
}

// GateConfig names the channel membership is checked against.
//
// Example:
//
//	"gate": { "channel": "@my_channel" }
type GateConfig struct {
	Channel string `json:"channel"`
	// JoinURL is required when Channel is a numeric id (no public @name).
	JoinURL string `json:"join_url,omitempty"`
}

type AssetConfig struct {
	Path     string `json:"path"`
	FileName string `json:"file_name,omitempty"`
	// Caption is HTML.
	Caption string `json:"caption"`
	// CheckSchedule is a cron spec (5 or 6 fields, or a descriptor such as
	// "@every 1h") for the periodic asset check. Empty disables it.
	CheckSchedule string `json:"check_schedule,omitempty"`
}

// RegistryConfig selects the user registry backend.
//
// Example:
//
//	"registry": { "driver": "file", "path": "./user_data.json" }
type RegistryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// BroadcastConfig defaults: workers 4, rate_per_sec 0 (unpaced), send_timeout 15s.
type BroadcastConfig struct {
	Workers     int     `json:"workers,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
}

// RouterConfig defaults: workers 4, queue_size 256, command_timeout 30s.
type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records to the admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
