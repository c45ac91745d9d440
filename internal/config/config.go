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
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
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
	Engine      EngineConfig     `yaml:"engine"`
	Render      RenderConfig     `yaml:"render"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Service     ServiceConfig    `yaml:"service"`
}

type EngineConfig struct {
	Mode    string `yaml:"mode"` // reference, remote, wasm
	Command string `yaml:"command"`
	Module  string `yaml:"module"`
}

type RenderConfig struct {
	AggregationFactor int    `yaml:"aggregation_factor"`
	ReverbPreset      int    `yaml:"reverb_preset"`
	ReverbWet         int    `yaml:"reverb_wet"`
	Format            string `yaml:"format"` // raw, wav
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ServiceConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"max_concurrency"`
}

// Largest accepted reverb settings.
const (
	MaxReverbPreset = 4
	MaxReverbWet    = 32765
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-midi",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Engine: EngineConfig{
			Mode: "reference",
		},
		Render: RenderConfig{
			AggregationFactor: 4,
			ReverbPreset:      0,
			ReverbWet:         0,
			Format:            "raw",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-midi.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Service: ServiceConfig{
			Enabled:     true,
			Concurrency: 2,
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
	overrideString(&cfg.RuntimeName, "LOQA_MIDI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_MIDI_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_MIDI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_MIDI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_MIDI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_MIDI_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_MIDI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_MIDI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Engine.Mode, "LOQA_MIDI_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_MIDI_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Module, "LOQA_MIDI_ENGINE_MODULE")
	overrideInt(&cfg.Render.AggregationFactor, "LOQA_MIDI_RENDER_AGGREGATION_FACTOR")
	overrideInt(&cfg.Render.ReverbPreset, "LOQA_MIDI_RENDER_REVERB_PRESET")
	overrideInt(&cfg.Render.ReverbWet, "LOQA_MIDI_RENDER_REVERB_WET")
	overrideString(&cfg.Render.Format, "LOQA_MIDI_RENDER_FORMAT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_MIDI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_MIDI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_MIDI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_MIDI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_MIDI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_MIDI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_MIDI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_MIDI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_MIDI_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_MIDI_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_MIDI_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_MIDI_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_MIDI_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Service.Enabled, "LOQA_MIDI_SERVICE_ENABLED")
	overrideInt(&cfg.Service.Concurrency, "LOQA_MIDI_SERVICE_MAX_CONCURRENCY")
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
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.Engine.Mode {
	case "reference":
	case "remote":
		if strings.TrimSpace(cfg.Engine.Command) == "" {
			return errors.New("engine.command must be set when mode=remote")
		}
	case "wasm":
		if cfg.Engine.Module == "" {
			return errors.New("engine.module must be set when mode=wasm")
		}
	default:
		return errors.New("engine.mode must be one of reference|remote|wasm")
	}
	if cfg.Render.AggregationFactor <= 0 {
		return errors.New("render.aggregation_factor must be >= 1")
	}
	if cfg.Render.ReverbPreset < 0 || cfg.Render.ReverbPreset > MaxReverbPreset {
		return fmt.Errorf("render.reverb_preset must be between 0 and %d", MaxReverbPreset)
	}
	if cfg.Render.ReverbWet < 0 || cfg.Render.ReverbWet > MaxReverbWet {
		return fmt.Errorf("render.reverb_wet must be between 0 and %d", MaxReverbWet)
	}
	switch cfg.Render.Format {
	case "raw", "wav":
	default:
		return errors.New("render.format must be one of raw|wav")
	}
	if cfg.Bus.Embedded {
		// -1 asks the embedded server for a random port.
		if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Service.Enabled && cfg.Service.Concurrency <= 0 {
		return errors.New("service.max_concurrency must be >= 1")
	}
	return nil
}
