// Package config loads and hot-reloads the runtime's configuration: the
// capability defaults (queue depths, DAT limits), the transport bind
// addresses, and the optional EVT export bridge / introspection server
// settings.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration object, populated by viper from (in
// ascending priority) defaults, a config file, environment variables
// prefixed IOC_, and command-line flags.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Capability CapabilityConfig `mapstructure:"capability"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Introspect IntrospectConfig `mapstructure:"introspect"`
}

// CapabilityConfig overrides the capability package's defaults.
type CapabilityConfig struct {
	DepthEvtDescQueue int   `mapstructure:"depth_evt_desc_queue"`
	MaxEvtConsumer    int   `mapstructure:"max_evt_consumer"`
	MaxDataQueueSize  int64 `mapstructure:"max_data_queue_size"`
	MaxDataChunkSize  int64 `mapstructure:"max_data_chunk_size"`
}

// TransportConfig configures the FIFO spool directory and the TCP loopback
// port range.
type TransportConfig struct {
	FifoSpoolDir string `mapstructure:"fifo_spool_dir"`
	TcpPortLow   int    `mapstructure:"tcp_port_low"`
	TcpPortHigh  int    `mapstructure:"tcp_port_high"`
}

// BridgeConfig configures the optional EVT export bridge (AMQP publish via
// watermill). Disabled unless Enabled is set — exporting is never on the
// correctness-critical path.
type BridgeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	AMQPURI  string `mapstructure:"amqp_uri"`
	Exchange string `mapstructure:"exchange"`
}

// IntrospectConfig configures the read-only HTTP+WS introspection server.
type IntrospectConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("capability.depth_evt_desc_queue", 1024)
	v.SetDefault("capability.max_evt_consumer", 256)
	v.SetDefault("capability.max_data_queue_size", 64*1024*1024)
	v.SetDefault("capability.max_data_chunk_size", 32*1024*1024)
	v.SetDefault("transport.fifo_spool_dir", "/tmp/ioc-runtime/spool")
	v.SetDefault("transport.tcp_port_low", 19001)
	v.SetDefault("transport.tcp_port_high", 25201)
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.exchange", "ioc.events")
	v.SetDefault("introspect.enabled", false)
	v.SetDefault("introspect.addr", "127.0.0.1:9301")
}

// LoadConfig reads configuration from an optional file path (args is
// os.Args[1:]; --config_file is accepted there, --log_level and any
// IOC_-prefixed env var override the file), falling back to defaults for
// everything unset.
func LoadConfig(configFile string, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ioc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("ioc-runtime", pflag.ContinueOnError)
	fs.String("log_level", "info", "log level (debug, info, warn, error)")
	fs.String("config_file", "", "path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// WatchReload re-reads configFile on every fsnotify write event, invoking
// onChange with the freshly parsed Config. Intended for the capability and
// bridge sections, which a running service can reasonably pick up live;
// transport bind addresses are not safe to change without a restart and
// callers should ignore those fields in onChange.
func WatchReload(logger *slog.Logger, configFile string, args []string, onChange func(*Config)) (func() error, error) {
	if configFile == "" {
		return func() error { return nil }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify watcher: %w", err)
	}
	if err := watcher.Add(configFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", configFile, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(configFile, args)
				if err != nil {
					if logger != nil {
						logger.Warn("config reload failed", slog.Any("err", err))
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("config watch error", slog.Any("err", err))
				}
			}
		}
	}()

	return watcher.Close, nil
}
