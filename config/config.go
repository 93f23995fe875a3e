// Package config centralises runtime configuration for the marketmirror core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/marketmirror/errs"
)

// Environment identifies the runtime environment where marketmirror operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// TransportSettings configures the REST and websocket endpoints for the venue.
type TransportSettings struct {
	RESTURL          string        `yaml:"restUrl"`
	WebsocketURL     string        `yaml:"websocketUrl"`
	HTTPTimeout      time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	RequestsPerSec   float64       `yaml:"requestsPerSec"`
	RequestBurst     int           `yaml:"requestBurst"`
}

// SyncSettings tunes the reconciliation core.
type SyncSettings struct {
	// ResyncBufferSize bounds diffs held per symbol while a resync is pending;
	// the oldest entries are dropped first when full.
	ResyncBufferSize int `yaml:"resyncBufferSize"`
	// LaneQueueDepth bounds the per-key serialized message queues.
	LaneQueueDepth int `yaml:"laneQueueDepth"`
	// PendingEventBuffer bounds exec reports held per unresolved exchange order id.
	PendingEventBuffer int `yaml:"pendingEventBuffer"`
	// OrderPollInterval sets the cadence of the poll-based reconciliation backup.
	OrderPollInterval time.Duration `yaml:"orderPollInterval"`
	// TradePollInterval sets the cadence of the account-trade fill backup.
	TradePollInterval time.Duration `yaml:"tradePollInterval"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the marketmirror configuration tree.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Venue       string            `yaml:"venue"`
	Symbols     []string          `yaml:"symbols"`
	Credentials Credentials       `yaml:"credentials"`
	Transport   TransportSettings `yaml:"transport"`
	Sync        SyncSettings      `yaml:"sync"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Environment variable overrides for secrets, applied after file load.
const (
	EnvAPIKey    = "MARKETMIRROR_API_KEY"
	EnvAPISecret = "MARKETMIRROR_API_SECRET"
)

// Default returns the baseline configuration used when no file is supplied.
func Default() Settings {
	return Settings{
		Environment: EnvDev,
		Venue:       "nonkyc",
		Transport: TransportSettings{
			RESTURL:          "https://api.nonkyc.io/api/v2",
			WebsocketURL:     "wss://api.nonkyc.io",
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			RequestsPerSec:   20,
			RequestBurst:     5,
		},
		Sync: SyncSettings{
			ResyncBufferSize:   256,
			LaneQueueDepth:     512,
			PendingEventBuffer: 16,
			OrderPollInterval:  15 * time.Second,
			TradePollInterval:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "marketmirror"},
	}
}

// Load reads settings from the yaml file at path, layered over Default.
// A missing file is not an error; defaults are returned with fromFile=false.
func Load(path string) (Settings, bool, error) {
	settings := Default()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &settings); err != nil {
			return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		settings.applyEnvOverrides()
		return settings, false, nil
	default:
		return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	settings.applyEnvOverrides()
	if err := settings.Validate(); err != nil {
		return Settings{}, false, err
	}
	return settings, true, nil
}

func (s *Settings) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		s.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		s.Credentials.APISecret = v
	}
}

// Validate checks the settings tree for values the core cannot run with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Venue) == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("venue required"))
	}
	if strings.TrimSpace(s.Transport.RESTURL) == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("transport.restUrl required"))
	}
	if strings.TrimSpace(s.Transport.WebsocketURL) == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("transport.websocketUrl required"))
	}
	if s.Sync.ResyncBufferSize <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("sync.resyncBufferSize must be >0"))
	}
	if s.Sync.LaneQueueDepth <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("sync.laneQueueDepth must be >0"))
	}
	return nil
}
