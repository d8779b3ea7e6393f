package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/encryption"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Lobby struct {
		ListenAddress   string `mapstructure:"listen_address"`
		UpstreamAddress string `mapstructure:"upstream_address"`
	} `mapstructure:"lobby"`

	Zone struct {
		ListenAddress  string `mapstructure:"listen_address"`
		PublicEndpoint string `mapstructure:"public_endpoint"`
	} `mapstructure:"zone"`

	Protocol struct {
		HandoffOpcode     uint16 `mapstructure:"handoff_opcode"`
		HandoffPortOffset int    `mapstructure:"handoff_port_offset"`
		HandoffHostOffset int    `mapstructure:"handoff_host_offset"`
		HandoffHostSize   int    `mapstructure:"handoff_host_size"`

		KeyVersion      uint32 `mapstructure:"key_version"`
		KeyOffset       int    `mapstructure:"key_offset"`
		KeyPhraseOffset int    `mapstructure:"key_phrase_offset"`
		KeyPhraseSize   int    `mapstructure:"key_phrase_size"`

		MaxFrameSize int `mapstructure:"max_frame_size"`
	} `mapstructure:"protocol"`

	Monitor struct {
		Enabled          bool     `mapstructure:"enabled"`
		ListenAddress    string   `mapstructure:"listen_address"`
		Endpoint         string   `mapstructure:"endpoint"`
		AllowAllHosts    bool     `mapstructure:"allow_all_hosts"`
		AllowlistedHosts []string `mapstructure:"allowlisted_hosts"`
	} `mapstructure:"monitor"`

	Limits struct {
		MaxConnections int           `mapstructure:"max_connections"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"limits"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	protocol := connection.DefaultProtocolConfig()

	v.SetDefault("lobby.listen_address", ":54994")
	v.SetDefault("lobby.upstream_address", "")
	v.SetDefault("zone.listen_address", ":44992")
	v.SetDefault("zone.public_endpoint", "")

	v.SetDefault("protocol.handoff_opcode", protocol.Handoff.Opcode)
	v.SetDefault("protocol.handoff_port_offset", protocol.Handoff.PortOffset)
	v.SetDefault("protocol.handoff_host_offset", protocol.Handoff.HostOffset)
	v.SetDefault("protocol.handoff_host_size", protocol.Handoff.HostSize)
	v.SetDefault("protocol.key_version", protocol.Key.Version)
	v.SetDefault("protocol.key_offset", protocol.Key.KeyOffset)
	v.SetDefault("protocol.key_phrase_offset", protocol.Key.PhraseOffset)
	v.SetDefault("protocol.key_phrase_size", protocol.Key.PhraseSize)
	v.SetDefault("protocol.max_frame_size", protocol.MaxFrameSize)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.listen_address", ":9090")
	v.SetDefault("monitor.endpoint", "/monitor")
	v.SetDefault("monitor.allow_all_hosts", false)
	v.SetDefault("monitor.allowlisted_hosts", []string{})

	v.SetDefault("limits.max_connections", 0)
	v.SetDefault("limits.dial_timeout", 10*time.Second)
	v.SetDefault("limits.idle_timeout", time.Duration(0))

	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STASIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with STASIS_* environment
// overrides applied.
func Default() *Config {
	c, err := unmarshal(newViper())
	if err != nil {
		// Defaults always decode; only a malformed environment override lands here.
		panic(err)
	}
	return c
}

// LoadConfig reads a YAML config file. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

func (c *Config) ProtocolConfig() *connection.ProtocolConfig {
	return &connection.ProtocolConfig{
		Handoff: connection.HandoffConfig{
			Opcode:     c.Protocol.HandoffOpcode,
			PortOffset: c.Protocol.HandoffPortOffset,
			HostOffset: c.Protocol.HandoffHostOffset,
			HostSize:   c.Protocol.HandoffHostSize,
		},
		Key: encryption.KeyParams{
			Version:      c.Protocol.KeyVersion,
			KeyOffset:    c.Protocol.KeyOffset,
			PhraseOffset: c.Protocol.KeyPhraseOffset,
			PhraseSize:   c.Protocol.KeyPhraseSize,
		},
		MaxFrameSize: c.Protocol.MaxFrameSize,
	}
}

func (c *Config) LogLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Log.Level)
}

// Logger builds a production logger at the configured level, or a development logger when
// development is set.
func (c *Config) Logger(development bool) (*zap.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
