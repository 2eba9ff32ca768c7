// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a reason code and reason string for a response.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	CodeSuccess                             = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect                          = Code{Code: 0x00, Reason: "disconnected"}
	ErrUnspecifiedError                     = Code{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket                      = Code{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedOffsetUintOutOfRange        = Code{Code: 0x81, Reason: "malformed packet: offset uint out of range"}
	ErrMalformedOffsetBytesOutOfRange       = Code{Code: 0x81, Reason: "malformed packet: offset bytes out of range"}
	ErrMalformedOffsetByteOutOfRange        = Code{Code: 0x81, Reason: "malformed packet: offset byte out of range"}
	ErrMalformedInvalidUTF8                 = Code{Code: 0x81, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedVariableByteInteger         = Code{Code: 0x81, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedFlags                       = Code{Code: 0x81, Reason: "malformed packet: flags"}
	ErrProtocolViolation                    = Code{Code: 0x82, Reason: "protocol violation"}
	ErrProtocolViolationRequireFirstConnect = Code{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationReservedType        = Code{Code: 0x82, Reason: "protocol violation: reserved packet type"}
	ErrProtocolViolationQosOutOfRange       = Code{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrImplementationSpecificError          = Code{Code: 0x83, Reason: "implementation specific error"}
	ErrBufferOverflow                       = Code{Code: 0x83, Reason: "implementation specific error: write exceeds packet length"}
	ErrPacketTooLarge                       = Code{Code: 0x95, Reason: "packet too large"}
	ErrRemainingLengthTooLarge              = Code{Code: 0x95, Reason: "packet too large: remaining length needs more than 4 bytes"}
)
