package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty serves /metrics on the http port
	SentryDSN      string `yaml:"sentry_dsn"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// AuthSecret enables HS256 bearer tokens on /v1 when set.
	AuthSecret string `yaml:"auth_secret"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Mary        MaryConfig      `yaml:"mary"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	TTS         TTSConfig       `yaml:"tts"`
}

// MaryConfig points at the MaryTTS server.
type MaryConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Locale    string `yaml:"locale"`
	Voice     string `yaml:"voice"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this gateway when it advertises its voices on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
	VoiceRefresh      int    `yaml:"voice_refresh_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, mary
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-mary",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Mary: MaryConfig{
			Host:   "127.0.0.1",
			Port:   59125,
			Locale: "en_US",
			Voice:  "cmu-rms-hsmm",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "mary-gateway-1",
			Role:              "tts-gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			VoiceRefresh:      60000,
		},
		Journal: JournalConfig{
			Path:          "./data/mary-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEntries:    10000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mary",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 400,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MARY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MARY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MARY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MARY_HTTP_PORT")
	overrideString(&cfg.HTTP.AuthSecret, "MARY_HTTP_AUTH_SECRET")
	overrideString(&cfg.Telemetry.LogLevel, "MARY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MARY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MARY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MARY_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.SentryDSN, "MARY_TELEMETRY_SENTRY_DSN")
	overrideString(&cfg.Mary.Host, "MARY_HOST")
	overrideInt(&cfg.Mary.Port, "MARY_PORT")
	overrideString(&cfg.Mary.Locale, "MARY_LOCALE")
	overrideString(&cfg.Mary.Voice, "MARY_VOICE")
	overrideInt(&cfg.Mary.TimeoutMS, "MARY_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "MARY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MARY_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "MARY_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "MARY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MARY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MARY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MARY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MARY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MARY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MARY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "MARY_NODE_ID")
	overrideString(&cfg.Node.Role, "MARY_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "MARY_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "MARY_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Node.VoiceRefresh, "MARY_NODE_VOICE_REFRESH_MS")
	overrideString(&cfg.Journal.Path, "MARY_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "MARY_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "MARY_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "MARY_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "MARY_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.TTS.Enabled, "MARY_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "MARY_TTS_MODE")
	overrideInt(&cfg.TTS.SampleRate, "MARY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "MARY_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "MARY_TTS_CHUNK_DURATION_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Mary.Host == "" {
		return errors.New("mary.host must not be empty")
	}
	if cfg.Mary.Port <= 0 || cfg.Mary.Port > 65535 {
		return errors.New("mary.port must be between 1 and 65535")
	}
	if cfg.Mary.Locale == "" {
		return errors.New("mary.locale must not be empty")
	}
	if cfg.Mary.Voice == "" {
		return errors.New("mary.voice must not be empty")
	}
	if cfg.Mary.TimeoutMS < 0 {
		return errors.New("mary.timeout_ms must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionMode == "persistent" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty when retention_mode=persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "mary":
		default:
			return errors.New("tts.mode must be one of mock|mary")
		}
		if !cfg.Bus.Enabled {
			return errors.New("tts requires bus.enabled")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.ChunkDurationMS < 0 {
			return errors.New("tts.chunk_duration_ms must be >= 0")
		}
	}
	return nil
}
