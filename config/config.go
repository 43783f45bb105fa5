// Copyright 2024 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/internal/constants"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/zfsd"
	"gopkg.in/yaml.v3"
)

var (
	instance   *Config
	once       sync.Once
	configPath string // Tracks where the config was loaded from
)

type Config struct {
	Devd struct {
		SocketPath     string `mapstructure:"socketPath" yaml:"socketPath"`
		ReconnectDelay string `mapstructure:"reconnectDelay" yaml:"reconnectDelay"`
	} `mapstructure:"devd" yaml:"devd"`

	Cases struct {
		Dir              string `mapstructure:"dir" yaml:"dir"`
		GracePeriod      string `mapstructure:"gracePeriod" yaml:"gracePeriod"`
		DegradeThreshold int    `mapstructure:"degradeThreshold" yaml:"degradeThreshold"`
	} `mapstructure:"cases" yaml:"cases"`

	Rescan struct {
		Interval string `mapstructure:"interval" yaml:"interval"` // 0s disables
	} `mapstructure:"rescan" yaml:"rescan"`

	Journal struct {
		Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
		Path      string `mapstructure:"path" yaml:"path"`
		Retention string `mapstructure:"retention" yaml:"retention"` // 0s keeps everything
	} `mapstructure:"journal" yaml:"journal"`

	Tools struct {
		Zpool    string `mapstructure:"zpool" yaml:"zpool"`
		Zinject  string `mapstructure:"zinject" yaml:"zinject"`
		Zdb      string `mapstructure:"zdb" yaml:"zdb"`
		Udevadm  string `mapstructure:"udevadm" yaml:"udevadm"`
		Diskinfo string `mapstructure:"diskinfo" yaml:"diskinfo"`
		UseSudo  bool   `mapstructure:"useSudo" yaml:"useSudo"`
	} `mapstructure:"tools" yaml:"tools"`

	Logger struct {
		LogLevel     string `mapstructure:"logLevel" yaml:"logLevel"`
		EnableSentry bool   `mapstructure:"enableSentry" yaml:"enableSentry"`
		SentryDSN    string `mapstructure:"sentryDSN" yaml:"sentryDSN"`
	} `mapstructure:"logger" yaml:"logger"`

	Logs struct {
		Path string `mapstructure:"path" yaml:"path"` // used when detached
	} `mapstructure:"logs" yaml:"logs"`

	PIDFile string `mapstructure:"pidFile" yaml:"pidFile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("devd.socketPath", constants.DevdSocketPath)
	v.SetDefault("devd.reconnectDelay", constants.DefaultReconnectDelay.String())
	v.SetDefault("cases.dir", constants.CaseFileDir)
	v.SetDefault("cases.gracePeriod", constants.DefaultGracePeriod.String())
	v.SetDefault("cases.degradeThreshold", constants.DefaultDegradeThreshold)
	v.SetDefault("rescan.interval", "0s")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", constants.JournalPath)
	v.SetDefault("journal.retention", "0s")
	v.SetDefault("tools.zpool", constants.BinZpool)
	v.SetDefault("tools.zinject", constants.BinZinject)
	v.SetDefault("tools.zdb", constants.BinZdb)
	v.SetDefault("tools.udevadm", constants.BinUdevadm)
	v.SetDefault("tools.diskinfo", constants.BinDiskinfo)
	v.SetDefault("tools.useSudo", false)
	v.SetDefault("logger.logLevel", "info")
	v.SetDefault("logger.enableSentry", false)
	v.SetDefault("logger.sentryDSN", "")
	v.SetDefault("logs.path", constants.ZfsdLogFilePath)
	v.SetDefault("pidFile", constants.ZfsdPIDFilePath)
}

// LoadConfig loads the configuration with precedence rules.
func LoadConfig(configFilePath string) *Config {
	once.Do(func() {
		// Setup basic logger for initialization
		l, err := logger.NewTag(logger.Config{LogLevel: "info"}, "config")
		if err != nil {
			fmt.Printf("Failed to create logger: %v\n", err)
			os.Exit(1)
		}

		systemConfigPath := filepath.Join(GetConfigDir(), constants.ConfigFileName)

		if configFilePath != "" {
			// 1. Priority: Explicit path from command line
			configPath = configFilePath
		} else if envPath := os.Getenv(constants.EnvPrefix + "_CONFIG"); envPath != "" {
			// 2. Priority: Environment variable
			configPath = envPath
		} else {
			// 3. Priority: System-wide config
			configPath = systemConfigPath
		}
		if absPath, err := filepath.Abs(configPath); err == nil {
			configPath = absPath
		}
		l.Info("Using config file", "path", configPath)

		viper.Reset()
		cfg, found, err := load(viper.GetViper(), configPath)
		switch {
		case err != nil:
			// Parse error and the like; run on defaults.
			l.Error("Error reading config file", "err", err)
		case !found:
			l.Info("Config file not found, creating default", "path", configPath)
		default:
			l.Info("Config file loaded successfully", "path", configPath)
		}
		instance = cfg

		if !found && err == nil {
			if err := SaveConfig(configPath); err != nil {
				l.Error("Failed to save default configuration", "err", err)
			}
		}

		l.Debug("Loaded configuration", "config", fmt.Sprintf("%+v", *instance))
	})

	return instance
}

// load reads path into v on top of the defaults. found is false when the
// file does not exist; the returned Config is usable in every case.
func load(v *viper.Viper, path string) (cfg *Config, found bool, err error) {
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found = true
	if rerr := v.ReadInConfig(); rerr != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(rerr, &notFound) || os.IsNotExist(rerr) {
			found = false
		} else {
			err = errors.Wrap(rerr, errors.ConfigLoadFailed).
				WithMetadata("path", path)
		}
	}

	cfg = &Config{}
	if uerr := v.Unmarshal(cfg); uerr != nil && err == nil {
		err = errors.Wrap(uerr, errors.ConfigInvalid).
			WithMetadata("path", path)
	}
	return cfg, found, err
}

// SaveConfig persists the current configuration to a specified path.
func SaveConfig(path string) error {
	if path == "" {
		path = filepath.Join(GetConfigDir(), constants.ConfigFileName)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.ConfigWriteFailed).
			WithMetadata("path", path)
	}

	configYAML, err := yaml.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, errors.ConfigWriteFailed)
	}

	if err := os.WriteFile(path, configYAML, 0644); err != nil {
		return errors.Wrap(err, errors.ConfigWriteFailed).
			WithMetadata("path", path)
	}

	configPath = path
	return nil
}

// GetLoadedConfigPath returns the path of the currently loaded configuration file.
func GetLoadedConfigPath() string {
	return configPath
}

// GetConfig returns the current configuration instance.
func GetConfig() *Config {
	if instance == nil {
		return LoadConfig("")
	}
	return instance
}

func NewLoggerConfig(cfg *Config) logger.Config {
	if cfg == nil {
		return logger.Config{
			LogLevel:     "info",
			EnableSentry: false,
			SentryDSN:    "",
		}
	}

	return logger.Config{
		LogLevel:     cfg.Logger.LogLevel,
		EnableSentry: cfg.Logger.EnableSentry,
		SentryDSN:    cfg.Logger.SentryDSN,
	}
}

// DaemonOptions converts the loaded settings into the daemon's options.
func (c *Config) DaemonOptions() (zfsd.Options, error) {
	var opts zfsd.Options
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"devd.reconnectDelay", c.Devd.ReconnectDelay, &opts.ReconnectDelay},
		{"cases.gracePeriod", c.Cases.GracePeriod, &opts.GracePeriod},
		{"rescan.interval", c.Rescan.Interval, &opts.RescanInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v < 0 {
			return zfsd.Options{}, errors.New(errors.ConfigInvalid, "invalid duration").
				WithMetadata("key", d.key).
				WithMetadata("value", d.value)
		}
		*d.dst = v
	}
	if c.Cases.DegradeThreshold < 0 {
		return zfsd.Options{}, errors.New(errors.ConfigInvalid, "negative degrade threshold").
			WithMetadata("key", "cases.degradeThreshold")
	}

	opts.SocketPath = c.Devd.SocketPath
	opts.CaseDir = c.Cases.Dir
	opts.DegradeThreshold = c.Cases.DegradeThreshold
	return opts, nil
}

// JournalRetention is how long journal rows are kept; zero keeps them all.
func (c *Config) JournalRetention() (time.Duration, error) {
	if c.Journal.Retention == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(c.Journal.Retention)
	if err != nil || v < 0 {
		return 0, errors.New(errors.ConfigInvalid, "invalid duration").
			WithMetadata("key", "journal.retention").
			WithMetadata("value", c.Journal.Retention)
	}
	return v, nil
}
