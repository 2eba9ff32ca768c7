// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package persist

import (
	"fmt"
	"strconv"
	"strings"
)

// Options is a set of key/value options passed to a backend, as configured for
// third party backends.
type Options map[string]string

// ParseOptions parses a list of "key=value" pairs. Keys are lower-cased and
// surrounding whitespace is removed.
func ParseOptions(pairs []string) (Options, error) {
	o := Options{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q: expected key=value", p)
		}
		o[k] = strings.TrimSpace(v)
	}

	return o, nil
}

// String returns the value of a key, or def if it is not set.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Bool returns the boolean value of a key, or def if it is not set or not a boolean.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer value of a key, or def if it is not set or not an integer.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
