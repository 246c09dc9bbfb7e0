package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1m"). Every leaf can be overridden by
// the REMINDBOT_* environment variable named in its env tag.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Ops        OpsConfig        `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"REMINDBOT_TELEGRAM_TOKEN"`
	// GroupLog is the chat id that receives WARN+ logs when logging.telegram
	// is enabled.
	GroupLog    string `json:"group_log,omitempty" env:"REMINDBOT_TELEGRAM_GROUP_LOG"`
	PollTimeout string `json:"poll_timeout,omitempty" env:"REMINDBOT_TELEGRAM_POLL_TIMEOUT"`
	SendTimeout string `json:"send_timeout,omitempty" env:"REMINDBOT_TELEGRAM_SEND_TIMEOUT"`
	// HandlerTimeout bounds the handling of one inbound message.
	HandlerTimeout string `json:"handler_timeout,omitempty" env:"REMINDBOT_TELEGRAM_HANDLER_TIMEOUT"`
	UpdateBuffer   int    `json:"update_buffer,omitempty" env:"REMINDBOT_TELEGRAM_UPDATE_BUFFER"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"REMINDBOT_LOG_LEVEL"`
	Console  bool            `json:"console" env:"REMINDBOT_LOG_CONSOLE"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"REMINDBOT_LOG_FILE_ENABLED"`
	Path    string `json:"path,omitempty" env:"REMINDBOT_LOG_FILE_PATH"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" env:"REMINDBOT_LOG_TELEGRAM_ENABLED"`
	ThreadID   int    `json:"thread_id,omitempty" env:"REMINDBOT_LOG_TELEGRAM_THREAD_ID"`
	MinLevel   string `json:"min_level,omitempty" env:"REMINDBOT_LOG_TELEGRAM_MIN_LEVEL"`
	RatePerSec int    `json:"rate_per_sec,omitempty" env:"REMINDBOT_LOG_TELEGRAM_RATE_PER_SEC"`
}

// SchedulerConfig controls the due-task trigger.
//
// Timezone is shared by the reminder parser and the dispatcher; empty means
// the host's local zone. Spec defaults to "0 * * * * *". The scan runs
// unless Disabled is set.
type SchedulerConfig struct {
	Disabled   bool   `json:"disabled,omitempty" env:"REMINDBOT_SCHEDULER_DISABLED"`
	Timezone   string `json:"timezone,omitempty" env:"REMINDBOT_SCHEDULER_TIMEZONE"`
	Spec       string `json:"spec,omitempty" env:"REMINDBOT_SCHEDULER_SPEC"`
	JobTimeout string `json:"job_timeout,omitempty" env:"REMINDBOT_SCHEDULER_JOB_TIMEOUT"`
}

type DispatcherConfig struct {
	RatePerSec     float64 `json:"rate_per_sec,omitempty" env:"REMINDBOT_DISPATCHER_RATE_PER_SEC"`
	RetryMax       int     `json:"retry_max,omitempty" env:"REMINDBOT_DISPATCHER_RETRY_MAX"`
	RetryBase      string  `json:"retry_base,omitempty" env:"REMINDBOT_DISPATCHER_RETRY_BASE"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty" env:"REMINDBOT_DISPATCHER_RETRY_MAX_DELAY"`
	RetryQueueSize int     `json:"retry_queue_size,omitempty" env:"REMINDBOT_DISPATCHER_RETRY_QUEUE_SIZE"`
	// CatchUp delivers reminders missed while the bot was down, once at start.
	CatchUp bool `json:"catch_up,omitempty" env:"REMINDBOT_DISPATCHER_CATCH_UP"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.sqlite" }
type StorageConfig struct {
	Driver         string `json:"driver,omitempty" env:"REMINDBOT_STORAGE_DRIVER"`
	Path           string `json:"path,omitempty" env:"REMINDBOT_STORAGE_PATH"`
	BusyTimeout    string `json:"busy_timeout,omitempty" env:"REMINDBOT_STORAGE_BUSY_TIMEOUT"`
	DSN            string `json:"dsn,omitempty" env:"REMINDBOT_STORAGE_DSN"`
	MaxConns       int32  `json:"max_conns,omitempty" env:"REMINDBOT_STORAGE_MAX_CONNS"`
	ConnectTimeout string `json:"connect_timeout,omitempty" env:"REMINDBOT_STORAGE_CONNECT_TIMEOUT"`
	PingTimeout    string `json:"ping_timeout,omitempty" env:"REMINDBOT_STORAGE_PING_TIMEOUT"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Prefer a loopback Addr. A non-loopback Addr needs a Token or an explicit
// AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled" env:"REMINDBOT_OPS_ENABLED"`
	Addr          string `json:"addr,omitempty" env:"REMINDBOT_OPS_ADDR"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty" env:"REMINDBOT_OPS_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" env:"REMINDBOT_OPS_ALLOW_INSECURE"`
	Pprof         bool   `json:"pprof,omitempty" env:"REMINDBOT_OPS_PPROF"`

	ReadTimeout  string `json:"read_timeout,omitempty" env:"REMINDBOT_OPS_READ_TIMEOUT"`
	WriteTimeout string `json:"write_timeout,omitempty" env:"REMINDBOT_OPS_WRITE_TIMEOUT"`
	IdleTimeout  string `json:"idle_timeout,omitempty" env:"REMINDBOT_OPS_IDLE_TIMEOUT"`
}
