// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package null provides a backend which accepts every mutation and restores nothing.
package null

import (
	"github.com/mochi-mqtt/durable/persist"
)

// Backend is a persistence backend which stores nothing.
type Backend struct {
	persist.Base
}

// ID returns the id of the backend.
func (b *Backend) ID() string {
	return "null"
}
