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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

func newTestReader(t *testing.T, opts ...pn532.Option) (*pn532.Reader, *nfctest.ScriptedTransport) {
	t.Helper()
	transport := nfctest.NewScriptedTransport()
	return pn532.NewReader(transport, opts...), transport
}

func TestCommandExchangeHappyPath(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	transport.QueueResponse(0x40, []byte{0x00, 0xCA, 0xFE})

	data, err := reader.Transceive(context.Background(), 1, []byte{0x60}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, data)

	// The host frame on the wire wraps the command with the target.
	cmd, params, ok := nfctest.ParseHostFrame(transport.LastWrite())
	require.True(t, ok)
	assert.Equal(t, byte(0x40), cmd)
	assert.Equal(t, []byte{0x01, 0x60}, params)
}

func TestExchangeWrongCommandEcho(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	// Response for GetFirmwareVersion while InDataExchange is pending.
	transport.QueueResponse(0x02, []byte{0x32, 0x01, 0x06, 0x07})

	_, err := reader.Transceive(context.Background(), 1, []byte{0x60}, time.Second)
	require.Error(t, err)
	assert.True(t, pn532.IsDataIntegrity(err), "got %v", err)
}

func TestExchangePartialDelivery(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)
	transport.ChunkSize = 3 // force several polls per frame

	transport.QueueAck()
	transport.QueueResponse(0x40, []byte{0x00, 0x01, 0x02, 0x03, 0x04})

	data, err := reader.Transceive(context.Background(), 1, []byte{0xAF}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data)
}

func TestExchangeTimeoutWithoutAck(t *testing.T) {
	t.Parallel()
	reader, _ := newTestReader(t)

	start := time.Now()
	_, err := reader.Transceive(context.Background(), 1, []byte{0x02}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, pn532.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExchangeNackInsteadOfAck(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	// Valid bytes, wrong pattern: must be data-integrity, not retry.
	transport.QueueBytes([]byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00})

	_, err := reader.Transceive(context.Background(), 1, []byte{0x02}, time.Second)
	require.Error(t, err)
	assert.True(t, pn532.IsDataIntegrity(err), "got %v", err)
	assert.False(t, pn532.IsTimeout(err))
}

func TestExchangeNoiseBeforeResponse(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	transport.QueueBytes([]byte{0x55, 0x17}) // line noise before the frame
	transport.QueueResponse(0x40, []byte{0x00, 0x42})

	data, err := reader.Transceive(context.Background(), 1, []byte{0x02}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, data)
}

func TestExchangeControllerErrorFrame(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	transport.QueueAck()
	// Syntax error frame: LEN=1, TFI=0x7F.
	transport.QueueBytes([]byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00})

	_, err := reader.Transceive(context.Background(), 1, []byte{0x02}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, pn532.ErrControllerError)
}

func TestExchangeCorruptChecksumThenRecovery(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	corrupt := nfctest.BuildControllerFrame(0x41, []byte{0x00, 0x11})
	corrupt[len(corrupt)-2] ^= 0x20 // flip one DCS bit
	transport.QueueAck()
	transport.QueueBytes(corrupt)
	transport.QueueBytes([]byte{0xDE, 0xAD}) // stale bytes behind the bad frame

	_, err := reader.Transceive(context.Background(), 1, []byte{0x40}, time.Second)
	require.Error(t, err)
	assert.True(t, pn532.IsDataIntegrity(err))

	require.NoError(t, reader.RecoverFromDesync())
	assert.Equal(t, 0, transport.Pending(), "recovery must drain stale bytes")

	// The abort frame recovery writes is a plain ACK.
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}, transport.LastWrite())

	// Next exchange succeeds on a clean link.
	transport.QueueAck()
	transport.QueueResponse(0x40, []byte{0x00, 0x22})
	data, err := reader.Transceive(context.Background(), 1, []byte{0x40}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22}, data)
}

func TestSingleOperationInFlight(t *testing.T) {
	t.Parallel()
	reader, transport := newTestReader(t)

	op, err := reader.StartDetect(time.Second)
	require.NoError(t, err)
	assert.False(t, reader.Idle())

	_, err = reader.StartPresenceCheck(100 * time.Millisecond)
	assert.ErrorIs(t, err, pn532.ErrOperationPending)
	_, err = reader.StartTransceive(1, []byte{0x02}, time.Second)
	assert.ErrorIs(t, err, pn532.ErrOperationPending)

	// Completing the pending operation frees the slot.
	transport.QueueAck()
	transport.QueueResponse(0x4A, []byte{0x00})
	for !op.Poll() {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, reader.Idle())

	_, err = reader.StartPresenceCheck(100 * time.Millisecond)
	require.NoError(t, err)
}

func TestExchangeFrameTooLarge(t *testing.T) {
	t.Parallel()
	reader, _ := newTestReader(t)

	_, err := reader.StartTransceive(1, make([]byte, 300), time.Second)
	require.Error(t, err)
	assert.True(t, reader.Idle(), "slot must be released on build failure")
}
