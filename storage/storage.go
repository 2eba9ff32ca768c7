// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage contains the durable record types of the message pipeline and
// the in-memory stores which hold them while the server is running.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMessageNotFound indicates a store id did not resolve to a message in the message store.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageExists indicates a message was inserted with a store id which is already in use.
	ErrMessageExists = errors.New("message store id already exists")

	// ErrEmptyTopic indicates a message was stored without a topic.
	ErrEmptyTopic = errors.New("message topic must not be empty")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Direction indicates whether a client message record is inbound from or outbound to the client.
type Direction byte

const (
	DirectionIn  Direction = 0 // received from the client
	DirectionOut Direction = 1 // being delivered to the client
)

// String returns the readable direction.
func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// DeliveryState is the qos handshake state of a client message record. The values
// are stable and written as-is to durable storage.
type DeliveryState byte

const (
	StateInvalid        DeliveryState = iota // 0
	StatePublishQos0                         // 1
	StatePublishQos1                         // 2
	StateWaitForPuback                       // 3
	StatePublishQos2                         // 4
	StateWaitForPubrec                       // 5
	StateResendPubrel                        // 6
	StateWaitForPubrel                       // 7
	StateResendPubcomp                       // 8
	StateWaitForPubcomp                      // 9
	StateSendPubrec                          // 10
	StateQueued                              // 11
)

// StoredMessage is a message body held by the message store. Other records refer
// to it by ID only.
type StoredMessage struct {
	Payload   []byte `json:"payload"`              // the message payload, may be empty
	SourceID  string `json:"source_id,omitempty"`  // the id of the client who sent the message, if any
	Topic     string `json:"topic"`                // the topic the message was published to
	ID        uint64 `json:"id"`                   // the store id
	SourceMID uint16 `json:"source_mid,omitempty"` // the packet id the message arrived with
	MID       uint16 `json:"mid,omitempty"`        // the packet id of the message
	Qos       byte   `json:"qos"`                  // the qos the message was published with
	Retain    bool   `json:"retain,omitempty"`     // whether the message was published with the retain flag
	Persisted bool   `json:"-"`                    // true once the backend has durably recorded the message
}

// Validate checks the invariants of a stored message.
func (d StoredMessage) Validate() error {
	if d.Topic == "" {
		return ErrEmptyTopic
	}

	if d.Qos > 2 {
		return fmt.Errorf("message %d: invalid qos %d", d.ID, d.Qos)
	}

	return nil
}

// MarshalBinary encodes the values into a json string.
func (d StoredMessage) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *StoredMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ClientSession is the durable session record of a client.
type ClientSession struct {
	ID             string `json:"id"`              // the client id
	LastMID        uint16 `json:"last_mid"`        // the last packet id used by the client
	DisconnectTime int64  `json:"disconnect_time"` // the time the client disconnected in unixtime
}

// MarshalBinary encodes the values into a json string.
func (d ClientSession) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *ClientSession) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Subscription is a client subscription to a topic filter.
type Subscription struct {
	Client string `json:"client"` // the client id
	Filter string `json:"filter"` // the topic filter
	Qos    byte   `json:"qos"`    // the maximum qos granted
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ClientMessage is an in-flight delivery of a stored message to or from a client.
type ClientMessage struct {
	Client    string        `json:"client"`    // the client id
	StoreID   uint64        `json:"store_id"`  // the id of the stored message
	MID       uint16        `json:"mid"`       // the packet id used for this delivery
	Qos       byte          `json:"qos"`       // the qos of this delivery
	Retain    bool          `json:"retain"`    // the retain flag at delivery
	Direction Direction     `json:"direction"` // in or out
	State     DeliveryState `json:"state"`     // the handshake state
	Dup       bool          `json:"dup"`       // whether the delivery has been attempted before
}

// Key returns the unique key of the record.
func (d ClientMessage) Key() ClientMessageKey {
	return ClientMessageKey{Client: d.Client, MID: d.MID, Direction: d.Direction}
}

// MarshalBinary encodes the values into a json string.
func (d ClientMessage) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *ClientMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ClientMessageKey uniquely identifies a client message record.
type ClientMessageKey struct {
	Client    string
	MID       uint16
	Direction Direction
}
