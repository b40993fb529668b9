// Package config implements JSON configuration loading and validation
// for cmd/server.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func newError(configError string) error {
	return errors.Errorf("whisker configuration error: %s", configError)
}

// TransportKind selects which Message Transport backend to run.
type TransportKind string

const (
	TransportBroker TransportKind = "broker"
	TransportWebsocket TransportKind = "websocket"
)

// Config describes how to configure a running Whisker server.
type Config struct {
	Transport        TransportKind `json:"transport"`
	ListenAddr       string        `json:"listen_addr"`
	ResourceDir      string        `json:"resource_dir"`
	LuaConfigPath    string        `json:"lua_config_path"`
	DriftRatio       *float64      `json:"drift_ratio"`
	MapDataPollSec   *int          `json:"map_data_poll_sec"`
}

var (
	errTransportMustNotBeEmpty = errors.New("\"transport\" must not be empty")
	errListenAddrRequired      = errors.New("\"listen_addr\" must not be empty")
)

// DefaultDriftRatio and DefaultMapDataPollSec apply when the
// corresponding optional config fields are unset.
const (
	DefaultDriftRatio     = 0.02
	DefaultMapDataPollSec = 1
)

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and rejects invalid combinations.
func (c *Config) Validate(path string) error {
	switch c.Transport {
	case TransportBroker, TransportWebsocket:
	case "":
		return newError(errTransportMustNotBeEmpty.Error())
	default:
		return newError("\"transport\" must be \"broker\" or \"websocket\"")
	}

	if c.ListenAddr == "" {
		return newError(errListenAddrRequired.Error())
	}

	if c.DriftRatio != nil && *c.DriftRatio < 0 {
		return newError("cannot specify drift_ratio less than zero")
	}

	if c.MapDataPollSec != nil && *c.MapDataPollSec < 0 {
		return newError("cannot specify map_data_poll_sec less than zero")
	}

	return nil
}

// GetOptionalParameters fills unset optional fields with their
// defaults and returns the resolved values.
func GetOptionalParameters(c *Config, logger *zap.SugaredLogger) (driftRatio float64, mapDataPollSec int) {
	driftRatio = DefaultDriftRatio
	if c.DriftRatio != nil {
		driftRatio = *c.DriftRatio
	} else {
		logger.Debugf("no drift_ratio given, using default of %v", DefaultDriftRatio)
	}

	mapDataPollSec = DefaultMapDataPollSec
	if c.MapDataPollSec != nil {
		mapDataPollSec = *c.MapDataPollSec
	} else {
		logger.Debugf("no map_data_poll_sec given, using default of %d", DefaultMapDataPollSec)
	}

	return driftRatio, mapDataPollSec
}
