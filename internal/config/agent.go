package config

import (
	"time"

	"github.com/joho/godotenv"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Backup drivers.
const (
	BackupDriverSQLite = "sqlite"
	BackupDriverRedis  = "redis"
	BackupDriverMemory = "memory"
)

// AgentConfig holds the proctor agent configuration.
type AgentConfig struct {
	APIURL    string
	Token     string
	LogLevel  string
	LogFormat string

	BackupDriver     string
	BackupSQLitePath string
	BackupRedisURL   string

	// Security is used until the server supplies its own limits.
	Security            model.SecurityConfig
	WarningTTL          time.Duration
	SubmitRetryInterval time.Duration

	MaxAnswerFileBytes int64
	AllowWordFiles     bool
}

// LoadAgent reads the agent configuration. Limits left unset keep the defaults.
func LoadAgent() *AgentConfig {
	_ = godotenv.Load()

	def := model.DefaultSecurityConfig()
	sec := model.SecurityConfig{
		HeartbeatIntervalMs: int64(getEnvInt("HEARTBEAT_INTERVAL_MS", int(def.HeartbeatIntervalMs))),
		HeartbeatTimeoutMs:  int64(getEnvInt("HEARTBEAT_TIMEOUT_MS", int(def.HeartbeatTimeoutMs))),
		MaxTimeOutsideMs:    int64(getEnvInt("MAX_TIME_OUTSIDE_MS", int(def.MaxTimeOutsideMs))),
		MaxViolations:       getEnvInt("MAX_VIOLATIONS", def.MaxViolations),
		MaxMissedHeartbeats: getEnvInt("MAX_MISSED_HEARTBEATS", def.MaxMissedHeartbeats),
		WarningThresholds:   parseInts(getEnv("WARNING_THRESHOLDS", "1,3")),
	}

	return &AgentConfig{
		APIURL:              getEnv("PROCTOR_API_URL", "http://localhost:8080"),
		Token:               getEnv("PROCTOR_TOKEN", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "pretty"),
		BackupDriver:        getEnv("BACKUP_DRIVER", BackupDriverSQLite),
		BackupSQLitePath:    getEnv("BACKUP_SQLITE_PATH", "./proctor-backup.db"),
		BackupRedisURL:      getEnv("BACKUP_REDIS_URL", "redis://localhost:6379/1"),
		Security:            sec,
		WarningTTL:          time.Duration(getEnvInt("WARNING_TTL_MS", 5000)) * time.Millisecond,
		SubmitRetryInterval: time.Duration(getEnvInt("SUBMIT_RETRY_INTERVAL_MS", 5000)) * time.Millisecond,
		MaxAnswerFileBytes:  int64(getEnvInt("MAX_ANSWER_FILE_MB", 10)) * 1024 * 1024,
		AllowWordFiles:      getEnvBool("ALLOW_WORD_FILES", true),
	}
}
