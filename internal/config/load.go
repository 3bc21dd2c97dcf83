package config

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads configuration from the given path (or the default search
// locations when path is empty), layered over Defaults(). A missing config
// file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	v := viper.New()
	return loadWith(v, path)
}

// Watch reloads the config whenever the file changes and invokes onChange
// with the freshly parsed result. Invalid intermediate states (e.g. a half
// written file) are logged by the caller and skipped via the returned error
// in onChange's Config being unchanged.
func Watch(path string, onChange func(Config)) (Config, error) {
	v := viper.New()
	cfg, err := loadWith(v, path)
	if err != nil {
		return Config{}, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		next := Defaults()
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		if err := next.Validate(); err != nil {
			return
		}
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func loadWith(v *viper.Viper, path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agenttrail")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/agenttrail")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
