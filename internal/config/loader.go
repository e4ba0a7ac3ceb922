package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultWSReconnectInterval = 2 * time.Second
	DefaultWSHeartbeatInterval = 15 * time.Second
	DefaultChunkBytes          = 3200
	DefaultFSMPreRoll          = 4
	DefaultFSMStep             = 5
	DefaultFSMLongPause        = 50
	DefaultDispatchBatchSize   = 16
	DefaultDispatchTick        = 500 * time.Millisecond
	DefaultDispatchMaxConc     = 4
	DefaultDrainIdleInterval   = 500 * time.Millisecond
	DefaultDrainMaxWait        = 25 * time.Second
	DefaultListenAddr          = ":8080"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

// Load reads an optional .env file (via godotenv, ignored if absent) then
// populates a [Config] from the process environment, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: Environment(getEnv("NODE_ENV", string(EnvDevelopment))),

		WSURL:               os.Getenv("WS_URL"),
		WSReconnectInterval: getEnvDuration("WS_RECONNECT_INTERVAL", DefaultWSReconnectInterval),
		WSHeartbeatInterval: getEnvDuration("WS_HEARTBEAT_INTERVAL", DefaultWSHeartbeatInterval),

		SpeechAPIURL:      os.Getenv("SPEECH_API_URL"),
		SpeechAPIBatchURL: os.Getenv("SPEECH_API_BATCH_URL"),
		SpeechAPIToken:    os.Getenv("SPEECH_API_TOKEN"),

		TempDir:   getEnv("TEMP_DIR", os.TempDir()),
		WavDir:    getEnv("WAV_DIR", os.TempDir()),
		ResultDir: getEnv("RESULT_DIR", os.TempDir()),

		ChunkBytes:            getEnvInt("CHUNK_BYTES", DefaultChunkBytes),
		FSMPreRoll:            getEnvInt64("FSM_PRE_ROLL", DefaultFSMPreRoll),
		FSMStep:               getEnvInt64("FSM_STEP", DefaultFSMStep),
		FSMLongPause:          getEnvInt64("FSM_LONG_PAUSE", DefaultFSMLongPause),
		DispatchBatchSize:     getEnvInt("DISPATCH_BATCH_SIZE", DefaultDispatchBatchSize),
		DispatchTickInterval:  getEnvDuration("DISPATCH_TICK_INTERVAL", DefaultDispatchTick),
		DispatchMaxConcurrent: getEnvInt("DISPATCH_MAX_CONCURRENT_BATCHES", DefaultDispatchMaxConc),

		DrainIdleInterval: getEnvDuration("DRAIN_IDLE_INTERVAL", DefaultDrainIdleInterval),
		DrainMaxWait:      getEnvDuration("DRAIN_MAX_WAIT", DefaultDrainMaxWait),

		VocabFile: os.Getenv("VOCAB_FILE"),

		ListenAddr: getEnv("LISTEN_ADDR", DefaultListenAddr),
		LogLevel:   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:  getEnv("LOG_FORMAT", DefaultLogFormat),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, returning a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("NODE_ENV %q is invalid; valid values: development, production", cfg.Environment))
	}
	if !IsValidLogLevel(cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !IsValidLogFormat(cfg.LogFormat) {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is invalid; valid values: text, json", cfg.LogFormat))
	}

	if cfg.WSURL == "" {
		errs = append(errs, errors.New("WS_URL is required"))
	}
	if cfg.SpeechAPIBatchURL == "" {
		errs = append(errs, errors.New("SPEECH_API_BATCH_URL is required"))
	}

	if cfg.ChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_BYTES %d must be positive", cfg.ChunkBytes))
	}
	if cfg.FSMPreRoll <= 0 {
		errs = append(errs, fmt.Errorf("FSM_PRE_ROLL %d must be positive", cfg.FSMPreRoll))
	}
	if cfg.FSMStep <= 0 {
		errs = append(errs, fmt.Errorf("FSM_STEP %d must be positive", cfg.FSMStep))
	}
	if cfg.FSMLongPause <= 0 {
		errs = append(errs, fmt.Errorf("FSM_LONG_PAUSE %d must be positive", cfg.FSMLongPause))
	}
	if cfg.DispatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE %d must be positive", cfg.DispatchBatchSize))
	}
	if cfg.DispatchTickInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TICK_INTERVAL %s must be positive", cfg.DispatchTickInterval))
	}
	if cfg.DispatchMaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CONCURRENT_BATCHES %d must be positive", cfg.DispatchMaxConcurrent))
	}
	if cfg.DrainIdleInterval <= 0 {
		errs = append(errs, fmt.Errorf("DRAIN_IDLE_INTERVAL %s must be positive", cfg.DrainIdleInterval))
	}
	if cfg.DrainMaxWait <= 0 {
		errs = append(errs, fmt.Errorf("DRAIN_MAX_WAIT %s must be positive", cfg.DrainMaxWait))
	}
	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
