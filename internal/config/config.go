// Package config loads tool settings from the user config file and the
// environment, and persists the portal restore token between runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = "opensnipping"
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "OPENSNIPPING"
)

// Config holds the persisted settings. Zero values fall back to the
// defaults registered in Load.
type Config struct {
	FFmpegPath       string `mapstructure:"ffmpeg_path"`
	DefaultFPS       int    `mapstructure:"default_fps"`
	DefaultContainer string `mapstructure:"default_container"`
	IncludeCursor    bool   `mapstructure:"include_cursor"`
	LogLevel         string `mapstructure:"log_level"`
	RestoreToken     string `mapstructure:"restore_token"`
}

// Store is a loaded configuration bound to its backing file.
type Store struct {
	v   *viper.Viper
	cfg Config
}

// Load reads the config file from the user config directory, applying
// environment overrides with the OPENSNIPPING_ prefix. A missing file is
// not an error; defaults apply.
func Load() (*Store, error) {
	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)

	dir, err := configDir()
	if err == nil {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("default_fps", 30)
	v.SetDefault("default_container", "mp4")
	v.SetDefault("include_cursor", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("restore_token", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &Store{v: v, cfg: cfg}, nil
}

// Settings returns the loaded configuration values.
func (s *Store) Settings() Config {
	return s.cfg
}

// RestoreToken returns the persisted portal restore token, if any.
func (s *Store) RestoreToken() string {
	return s.cfg.RestoreToken
}

// SaveRestoreToken writes the token back to the config file, creating the
// config directory on first use.
func (s *Store) SaveRestoreToken(token string) error {
	s.cfg.RestoreToken = token
	s.v.Set("restore_token", token)

	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(dir, configFileName+"."+configFileType)
	if err := s.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}
