// Copyright 2026 The Offene Werkstatt Wädenswil Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pn532_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

// autoRespond installs an OnWrite hook that acknowledges every host
// command and answers it from the handler.
func autoRespond(transport *nfctest.ScriptedTransport, handler func(cmd byte, params []byte) []byte) {
	transport.OnWrite = func(data []byte) {
		cmd, params, ok := nfctest.ParseHostFrame(data)
		if !ok {
			return
		}
		transport.QueueAck()
		if resp := handler(cmd, params); resp != nil {
			transport.QueueResponse(cmd, resp)
		}
	}
}

func TestReaderInit(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	var commands []byte
	autoRespond(transport, func(cmd byte, _ []byte) []byte {
		commands = append(commands, cmd)
		switch cmd {
		case 0x14: // SAMConfiguration
			return []byte{}
		case 0x02: // GetFirmwareVersion
			return []byte{0x32, 0x01, 0x06, 0x07}
		case 0x32: // RFConfiguration
			return []byte{}
		default:
			return nil
		}
	})

	require.NoError(t, reader.Init(context.Background()))
	assert.Equal(t, []byte{0x14, 0x02, 0x32}, commands)

	fw := reader.FirmwareVersion()
	require.NotNil(t, fw)
	assert.Equal(t, byte(0x32), fw.IC)
	assert.Equal(t, "PN532 v1.6", fw.String())
	assert.True(t, fw.SupportsISO14443A())
}

func TestReaderInitRejectsWrongIC(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	autoRespond(transport, func(cmd byte, _ []byte) []byte {
		switch cmd {
		case 0x14:
			return []byte{}
		case 0x02:
			return []byte{0x99, 0x01, 0x06, 0x07}
		default:
			return []byte{}
		}
	})

	err := reader.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pn532.ErrControllerError)
}

func TestDetectTag(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	// One target: Tg=1, SENS_RES 0x0344, SAK 0x20 (ISO14443-4), 7-byte UID.
	transport.QueueResponse(0x4A, []byte{
		0x01, 0x01, 0x03, 0x44, 0x20, 0x07,
		0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66,
	})

	tag, err := reader.DetectTag(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), tag.Target)
	assert.Equal(t, byte(0x20), tag.SAK)
	assert.True(t, tag.ISO14443v4)
	assert.Equal(t, "04112233445566", tag.UIDString())
	assert.Equal(t, [2]byte{0x03, 0x44}, tag.ATQ)
}

func TestDetectTagZeroTargets(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	transport.QueueResponse(0x4A, []byte{0x00})

	_, err := reader.DetectTag(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, pn532.IsNotFound(err))
	assert.False(t, pn532.IsTimeout(err))
}

func TestDetectTagTimeoutMapsToNotFound(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	// ACK arrives but the detection response never does: no tag entered
	// the field inside the window. That is NotFound, not an error.
	transport.QueueAck()

	_, err := reader.DetectTag(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, pn532.IsNotFound(err))
}

func TestDetectTagOversizeUID(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	payload := append([]byte{0x01, 0x01, 0x03, 0x44, 0x20, 0x0B},
		make([]byte, 0x0B)...)
	transport.QueueResponse(0x4A, payload)

	_, err := reader.DetectTag(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, pn532.IsDataIntegrity(err))
}

func TestTransceiveStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  byte
		wantErr func(error) bool
	}{
		{"tag timeout", 0x01, pn532.IsTimeout},
		{"other status", 0x13, func(err error) bool {
			return errors.Is(err, pn532.ErrControllerError)
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reader, transport := newTestReader(t)
			transport.QueueAck()
			transport.QueueResponse(0x40, []byte{tt.status})

			_, err := reader.Transceive(context.Background(), 1, []byte{0x60}, time.Second)
			require.Error(t, err)
			assert.True(t, tt.wantErr(err), "got %v", err)
		})
	}
}

func TestCheckTagPresent(t *testing.T) {
	t.Parallel()

	t.Run("present", func(t *testing.T) {
		t.Parallel()
		reader, transport := newTestReader(t)
		transport.QueueAck()
		transport.QueueResponse(0x00, []byte{0x00})

		present, err := reader.CheckTagPresent(context.Background())
		require.NoError(t, err)
		assert.True(t, present)

		cmd, params, ok := nfctest.ParseHostFrame(transport.LastWrite())
		require.True(t, ok)
		assert.Equal(t, byte(0x00), cmd)
		assert.Equal(t, []byte{0x06}, params, "attention request test number")
	})

	t.Run("removed", func(t *testing.T) {
		t.Parallel()
		reader, transport := newTestReader(t)
		transport.QueueAck()
		transport.QueueResponse(0x00, []byte{0x01})

		present, err := reader.CheckTagPresent(context.Background())
		require.NoError(t, err)
		assert.False(t, present)
	})

	t.Run("error status", func(t *testing.T) {
		t.Parallel()
		reader, transport := newTestReader(t)
		transport.QueueAck()
		transport.QueueResponse(0x00, []byte{0x27})

		_, err := reader.CheckTagPresent(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, pn532.ErrControllerError)
	})
}

func TestReleaseTag(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	transport.QueueResponse(0x52, []byte{0x00})

	require.NoError(t, reader.ReleaseTag(context.Background(), 1))

	cmd, params, ok := nfctest.ParseHostFrame(transport.LastWrite())
	require.True(t, ok)
	assert.Equal(t, byte(0x52), cmd)
	assert.Equal(t, []byte{0x01}, params)
}

func TestAwaitContextCancellation(t *testing.T) {
	t.Parallel()
	reader, _ := newTestReader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := reader.Transceive(ctx, 1, []byte{0x60}, 10*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, reader.Idle(), "abandoned operation must free the slot")
}
