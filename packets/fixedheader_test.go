// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var fixedHeaderExpected = []struct {
	desc    string
	rawByte byte
	header  FixedHeader
	err     error
}{
	{desc: "connect", rawByte: Connect << 4, header: FixedHeader{Type: Connect}},
	{desc: "publish qos 0", rawByte: Publish << 4, header: FixedHeader{Type: Publish}},
	{desc: "publish qos 1 retain", rawByte: Publish<<4 | 1<<1 | 1, header: FixedHeader{Type: Publish, Qos: 1, Retain: true}},
	{desc: "publish qos 2 dup", rawByte: Publish<<4 | 1<<3 | 2<<1, header: FixedHeader{Type: Publish, Qos: 2, Dup: true}},
	{desc: "publish qos 3", rawByte: Publish<<4 | 3<<1, err: ErrProtocolViolationQosOutOfRange},
	{desc: "pubrel", rawByte: Pubrel<<4 | 1<<1, header: FixedHeader{Type: Pubrel, Qos: 1}},
	{desc: "pubrel bad flags", rawByte: Pubrel << 4, err: ErrMalformedFlags},
	{desc: "subscribe", rawByte: Subscribe<<4 | 1<<1, header: FixedHeader{Type: Subscribe, Qos: 1}},
	{desc: "pingreq bad flags", rawByte: Pingreq<<4 | 1, err: ErrMalformedFlags},
	{desc: "disconnect", rawByte: Disconnect << 4, header: FixedHeader{Type: Disconnect}},
}

func TestFixedHeaderDecode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		t.Run(wanted.desc, func(t *testing.T) {
			fh := new(FixedHeader)
			err := fh.Decode(wanted.rawByte)
			if wanted.err != nil {
				require.ErrorIs(t, err, wanted.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, wanted.header, *fh)
		})
	}
}

func TestFixedHeaderEncode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		if wanted.err != nil {
			continue
		}

		t.Run(wanted.desc, func(t *testing.T) {
			buf := new(bytes.Buffer)
			fh := wanted.header
			fh.Remaining = 200
			require.NoError(t, fh.Encode(buf))
			require.Equal(t, []byte{wanted.rawByte, 0xc8, 0x01}, buf.Bytes())
		})
	}
}

func TestFixedHeaderEncodeOversize(t *testing.T) {
	fh := FixedHeader{Type: Publish, Remaining: MaxRemainingLength + 1}
	require.ErrorIs(t, fh.Encode(new(bytes.Buffer)), ErrRemainingLengthTooLarge)
}
