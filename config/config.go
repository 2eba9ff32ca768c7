// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config reads server options, listeners, logging and the persistence
// backend from a JSON or YAML document.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mochi-mqtt/durable/listeners"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/persist/badger"
	"github.com/mochi-mqtt/durable/persist/bolt"
	"github.com/mochi-mqtt/durable/persist/builtin"
	"github.com/mochi-mqtt/durable/persist/null"
	"github.com/mochi-mqtt/durable/persist/pebble"
	"github.com/mochi-mqtt/durable/persist/plugin"
	"github.com/mochi-mqtt/durable/persist/redis"
	"github.com/mochi-mqtt/durable/persist/sqlite"
	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/durable"
)

const (
	LoggingOutputJSON = "JSON"
	LoggingOutputText = "TEXT"
)

var (
	// ErrMultipleBackends indicates more than one persistence backend was configured.
	ErrMultipleBackends = errors.New("only one persistence backend may be configured")

	// ErrInvalidLoggingOutput indicates the logging output was not JSON or TEXT.
	ErrInvalidLoggingOutput = errors.New("logging output must be JSON or TEXT")
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     mqtt.Options
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	Logging     *Logging           `yaml:"logging" json:"logging"`
	Persistence PersistenceConfig  `yaml:"persistence" json:"persistence"`
}

// Logging configures the server logger.
type Logging struct {
	Output string `yaml:"output" json:"output"` // JSON or TEXT, defaults to TEXT
	Level  string `yaml:"level" json:"level"`   // a slog level name, defaults to INFO
}

// PersistenceConfig selects at most one persistence backend and carries its options.
type PersistenceConfig struct {
	Builtin *builtin.Options `yaml:"builtin" json:"builtin"`
	SQLite  *sqlite.Options  `yaml:"sqlite" json:"sqlite"`
	Badger  *badger.Options  `yaml:"badger" json:"badger"`
	Bolt    *bolt.Options    `yaml:"bolt" json:"bolt"`
	Pebble  *pebble.Options  `yaml:"pebble" json:"pebble"`
	Redis   *redis.Options   `yaml:"redis" json:"redis"`
	Plugin  *plugin.Options  `yaml:"plugin" json:"plugin"`
}

// ToBackend returns the configured backend and the config value to initialise it
// with. The null backend is returned if no backend is configured.
func (pc PersistenceConfig) ToBackend() (persist.Backend, any, error) {
	var (
		b      persist.Backend
		config any
		n      int
	)

	set := func(nb persist.Backend, nc any) {
		b, config = nb, nc
		n++
	}

	if pc.Builtin != nil {
		set(new(builtin.Backend), pc.Builtin)
	}

	if pc.SQLite != nil {
		set(new(sqlite.Backend), pc.SQLite)
	}

	if pc.Badger != nil {
		set(new(badger.Backend), pc.Badger)
	}

	if pc.Bolt != nil {
		set(new(bolt.Backend), pc.Bolt)
	}

	if pc.Pebble != nil {
		set(new(pebble.Backend), pc.Pebble)
	}

	if pc.Redis != nil {
		set(new(redis.Backend), pc.Redis)
	}

	if pc.Plugin != nil {
		set(new(plugin.Backend), pc.Plugin)
	}

	switch n {
	case 0:
		return new(null.Backend), nil, nil
	case 1:
		return b, config, nil
	default:
		return nil, nil, ErrMultipleBackends
	}
}

// ToLogger builds a logger writing to w.
func (l Logging) ToLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, err
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToUpper(l.Output) {
	case LoggingOutputJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case LoggingOutputText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLoggingOutput, l.Output)
	}
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// The persistence section is converted into the backend the server attaches on serve.
func FromBytes(b []byte) (*mqtt.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Listeners = c.Listeners

	var err error
	o.Backend, o.BackendConfig, err = c.Persistence.ToBackend()
	if err != nil {
		return nil, err
	}

	if c.Logging != nil {
		o.Logger, err = c.Logging.ToLogger(os.Stdout)
		if err != nil {
			return nil, err
		}
	}

	return &o, nil
}

// FromFile reads and unmarshals a config file. See FromBytes.
func FromFile(path string) (*mqtt.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(b)
}
