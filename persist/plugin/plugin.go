// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package plugin loads a third-party persistence backend from a Go plugin.
//
// A plugin must export two functions:
//
//	func PluginVersion() int          // must return persist.PluginVersion
//	func New() persist.Backend        // returns an uninitialised backend
//
// The backend's Init receives the configured key/value options as persist.Options.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	goplugin "plugin"

	"github.com/mochi-mqtt/durable/persist"
)

const (
	VersionSymbol = "PluginVersion" // the exported version negotiation function
	NewSymbol     = "New"           // the exported backend constructor
)

var (
	// ErrIncompatibleVersion indicates the plugin speaks a different plugin protocol version.
	ErrIncompatibleVersion = errors.New("incompatible plugin version")

	// ErrMissingPath indicates no plugin file was configured.
	ErrMissingPath = errors.New("plugin path not set")
)

// symbols is the part of *plugin.Plugin used to resolve exported functions.
type symbols interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// openPlugin opens a plugin file. It is replaced in tests.
var openPlugin = func(path string) (symbols, error) {
	return goplugin.Open(path)
}

// Options contains configuration settings for a plugin backend.
type Options struct {
	Path    string            `yaml:"path" json:"path"`
	Options map[string]string `yaml:"options" json:"options"`
}

// Backend is a persistence backend which forwards every operation to a backend
// loaded from a plugin. It is unloaded until Init succeeds.
type Backend struct {
	persist.Backend
	log    *slog.Logger
	config *Options
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	if b.Backend == nil {
		return "plugin"
	}
	return "plugin:" + b.Backend.ID()
}

// SetOpts sets the logger given to the loaded backend.
func (b *Backend) SetOpts(l *slog.Logger) {
	b.log = l
}

// Init opens the plugin, negotiates the plugin version, and initialises the
// backend it provides.
func (b *Backend) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return persist.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	if b.log == nil {
		b.log = slog.Default()
	}

	b.config = config.(*Options)
	if b.config.Path == "" {
		return fmt.Errorf("%w: %w", persist.ErrBackendFailure, ErrMissingPath)
	}

	p, err := openPlugin(b.config.Path)
	if err != nil {
		return fmt.Errorf("%w: unable to load plugin %s: %v", persist.ErrBackendFailure, b.config.Path, err)
	}

	version, err := lookup[func() int](p, VersionSymbol)
	if err != nil {
		return err
	}

	if v := version(); v != persist.PluginVersion {
		return fmt.Errorf("%w: %w: %s reports %d, want %d", persist.ErrBackendFailure, ErrIncompatibleVersion, b.config.Path, v, persist.PluginVersion)
	}

	newBackend, err := lookup[func() persist.Backend](p, NewSymbol)
	if err != nil {
		return err
	}

	inner := newBackend()
	if inner == nil {
		return fmt.Errorf("%w: %s returned no backend", persist.ErrBackendFailure, b.config.Path)
	}

	inner.SetOpts(b.log.With("plugin", b.config.Path))
	if err := inner.Init(persist.Options(b.config.Options)); err != nil {
		return fmt.Errorf("%w: plugin init: %w", persist.ErrBackendFailure, err)
	}

	b.Backend = inner
	b.log.Info("loaded persistence plugin", "path", b.config.Path, "id", inner.ID())
	return nil
}

// lookup resolves an exported symbol and asserts its type.
func lookup[T any](p symbols, name string) (T, error) {
	var zero T
	sym, err := p.Lookup(name)
	if err != nil {
		return zero, fmt.Errorf("%w: missing symbol %s: %v", persist.ErrBackendFailure, name, err)
	}

	fn, ok := sym.(T)
	if !ok {
		return zero, fmt.Errorf("%w: symbol %s has type %T", persist.ErrBackendFailure, name, sym)
	}

	return fn, nil
}

// Stop stops the loaded backend and unloads it.
func (b *Backend) Stop() error {
	if b.Backend == nil {
		return nil
	}

	inner := b.Backend
	b.Backend = nil
	if err := inner.Stop(); err != nil {
		return fmt.Errorf("%w: plugin cleanup: %w", persist.ErrBackendFailure, err)
	}

	return nil
}

// Backup forwards to the loaded backend if it supports backups.
func (b *Backend) Backup(shutdown bool) error {
	if bk, ok := b.Backend.(persist.Backuper); ok {
		return bk.Backup(shutdown)
	}
	return nil
}
