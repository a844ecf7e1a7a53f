package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DISCORD_ESPEAK_"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       string `yaml:"traces"` // none, stdout, otlp
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Discord     DiscordConfig    `yaml:"discord"`
	Session     SessionConfig    `yaml:"session"`
	Synth       SynthConfig      `yaml:"synth"`
	Voice       VoiceConfig      `yaml:"voice"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type DiscordConfig struct {
	Token           string  `yaml:"token"`
	Prefix          string  `yaml:"prefix"`
	ReplyRatePerSec float64 `yaml:"reply_rate_per_sec"`
	ReplyBurst      int     `yaml:"reply_burst"`
}

type SessionConfig struct {
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	DefaultVoice       string `yaml:"default_voice"`
	DefaultSpeed       int    `yaml:"default_speed"`
}

type SynthConfig struct {
	Mode       string `yaml:"mode"` // exec, mock
	Command    string `yaml:"command"`
	PageSize   int    `yaml:"page_size"`
	SampleRate int    `yaml:"sample_rate"`
}

type VoiceConfig struct {
	Bitrate int `yaml:"bitrate"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUsers      int    `yaml:"max_users"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
			Traces:       "none",
		},
		Discord: DiscordConfig{
			Prefix:          "tts",
			ReplyRatePerSec: 2,
			ReplyBurst:      3,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: 300,
			DefaultVoice:       "en-us",
			DefaultSpeed:       175,
		},
		Synth: SynthConfig{
			Mode:       "exec",
			Command:    "espeak-ng",
			PageSize:   10,
			SampleRate: 22050,
		},
		Voice: VoiceConfig{
			Bitrate: 64000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "speak",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speak-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxUsers:      10000,
		},
	}
}

// Load reads the YAML file at path (optional) over the defaults and then
// applies environment overrides.
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
	// Short legacy names used by existing deployments.
	overrideString(&cfg.Discord.Token, "DISCORD_TOKEN")
	overrideString(&cfg.Discord.Prefix, "DISCORD_ESPEAK_TOKEN")
	overrideString(&cfg.Discord.Prefix, envPrefix+"PREFIX")
	overrideInt(&cfg.Session.IdleTimeoutSeconds, envPrefix+"TIMEOUT")
	overrideString(&cfg.Synth.Command, envPrefix+"PROG")

	overrideString(&cfg.RuntimeName, envPrefix+"RUNTIME_NAME")
	overrideString(&cfg.Environment, envPrefix+"ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, envPrefix+"HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, envPrefix+"HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, envPrefix+"TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, envPrefix+"TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, envPrefix+"TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, envPrefix+"TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Traces, envPrefix+"TELEMETRY_TRACES")
	overrideFloat(&cfg.Discord.ReplyRatePerSec, envPrefix+"DISCORD_REPLY_RATE_PER_SEC")
	overrideInt(&cfg.Discord.ReplyBurst, envPrefix+"DISCORD_REPLY_BURST")
	overrideString(&cfg.Session.DefaultVoice, envPrefix+"SESSION_DEFAULT_VOICE")
	overrideInt(&cfg.Session.DefaultSpeed, envPrefix+"SESSION_DEFAULT_SPEED")
	overrideString(&cfg.Synth.Mode, envPrefix+"SYNTH_MODE")
	overrideInt(&cfg.Synth.PageSize, envPrefix+"SYNTH_PAGE_SIZE")
	overrideInt(&cfg.Synth.SampleRate, envPrefix+"SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Voice.Bitrate, envPrefix+"VOICE_BITRATE")
	overrideBool(&cfg.Bus.Enabled, envPrefix+"BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, envPrefix+"BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, envPrefix+"BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, envPrefix+"BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, envPrefix+"BUS_SERVERS")
	overrideString(&cfg.Bus.Username, envPrefix+"BUS_USERNAME")
	overrideString(&cfg.Bus.Password, envPrefix+"BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, envPrefix+"BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, envPrefix+"BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, envPrefix+"BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, envPrefix+"BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, envPrefix+"EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, envPrefix+"EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, envPrefix+"EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxUsers, envPrefix+"EVENT_STORE_MAX_USERS")
	overrideBool(&cfg.EventStore.VacuumOnStart, envPrefix+"EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch cfg.Telemetry.Traces {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.Traces == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if strings.TrimSpace(cfg.Discord.Prefix) == "" {
		return errors.New("discord.prefix must not be empty")
	}
	if cfg.Discord.ReplyRatePerSec <= 0 {
		return errors.New("discord.reply_rate_per_sec must be positive")
	}
	if cfg.Discord.ReplyBurst <= 0 {
		return errors.New("discord.reply_burst must be >= 1")
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		return errors.New("session.idle_timeout_seconds must be positive")
	}
	if cfg.Session.DefaultVoice == "" {
		return errors.New("session.default_voice must not be empty")
	}
	if cfg.Session.DefaultSpeed <= 0 {
		return errors.New("session.default_speed must be positive")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && strings.TrimSpace(cfg.Synth.Command) == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.PageSize <= 0 {
		return errors.New("synth.page_size must be >= 1")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Voice.Bitrate < 6000 || cfg.Voice.Bitrate > 510000 {
		return errors.New("voice.bitrate must be between 6000 and 510000")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	}
	if cfg.Bus.Enabled {
		if !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

// IdleTimeout is the session inactivity window as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
