// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads the server's enumerated runtime configuration.
// Every key is known and validated; a configuration file carrying an
// unknown key fails to load instead of being silently accepted.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfedcore/fedcore/pkg/clog"
)

// Config is the enumerated runtime configuration. Interval and timeout
// values are seconds.
type Config struct {
	MaxConcurrentJobs        int     `yaml:"max_concurrent_jobs" validate:"min=1"`
	ClientReqTimeout         float64 `yaml:"client_req_timeout" validate:"gt=0"`
	HeartbeatInterval        float64 `yaml:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout         float64 `yaml:"heartbeat_timeout" validate:"gt=0"`
	DefaultTaskFetchInterval float64 `yaml:"default_task_fetch_interval" validate:"gt=0"`
	MaxMessageSize           int     `yaml:"max_message_size" validate:"min=1"`
	BackboneConnGen          int     `yaml:"backbone_conn_gen" validate:"min=1"`
	AllowAdhocConns          bool    `yaml:"allow_adhoc_conns"`

	// SchedulePatience bounds how long a job may stay SUBMITTED before it
	// is finalized with FINISHED_CANT_SCHEDULE. Zero disables the bound.
	SchedulePatience float64 `yaml:"schedule_patience" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MaxConcurrentJobs:        4,
		ClientReqTimeout:         1.0,
		HeartbeatInterval:        5.0,
		HeartbeatTimeout:         30.0,
		DefaultTaskFetchInterval: 0.5,
		MaxMessageSize:           128 * 1024 * 1024,
		BackboneConnGen:          1,
		AllowAdhocConns:          false,
		SchedulePatience:         0,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ClientReqTimeoutD returns client_req_timeout as a Duration.
func (c Config) ClientReqTimeoutD() time.Duration { return seconds(c.ClientReqTimeout) }

// HeartbeatIntervalD returns heartbeat_interval as a Duration.
func (c Config) HeartbeatIntervalD() time.Duration { return seconds(c.HeartbeatInterval) }

// HeartbeatTimeoutD returns heartbeat_timeout as a Duration.
func (c Config) HeartbeatTimeoutD() time.Duration { return seconds(c.HeartbeatTimeout) }

// DefaultTaskFetchIntervalD returns default_task_fetch_interval as a
// Duration.
func (c Config) DefaultTaskFetchIntervalD() time.Duration { return seconds(c.DefaultTaskFetchInterval) }

// SchedulePatienceD returns schedule_patience as a Duration.
func (c Config) SchedulePatienceD() time.Duration { return seconds(c.SchedulePatience) }

var validate = validator.New()

// Parse decodes and validates configuration bytes, starting from the
// defaults. Unknown keys fail the load.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Watch reloads path whenever it changes and delivers every successfully
// parsed configuration to onChange. Invalid intermediate states are logged
// and skipped; the previous configuration stays in effect.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	log := clog.New("config ")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Errorf("Ignoring invalid configuration update: %v", err)
					continue
				}
				log.Printf("Configuration reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Watcher error: %v", err)
			}
		}
	}()
	return nil
}
