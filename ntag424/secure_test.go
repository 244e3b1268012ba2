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

package ntag424_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
)

func TestGetCardUIDOverSecureChannel(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag, _ := newAuthedTag(t, sim, ntag424.KeyApplication, make([]byte, ntag424.KeySize))

	uid, err := tag.GetCardUID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sim.UID(), uid)
}

func TestGetCardUIDRequiresSession(t *testing.T) {
	t.Parallel()

	tag := ntag424.NewTag(&simTransceiver{tag: nfctest.NewSimTag()}, 1, nil)
	_, err := tag.GetCardUID(context.Background())
	assert.ErrorIs(t, err, ntag424.ErrUnauthenticated)
}

func TestCommandCounterStaysInStep(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag, _ := newAuthedTag(t, sim, ntag424.KeyApplication, make([]byte, ntag424.KeySize))

	const n = 5
	for it := 0; it < n; it++ {
		_, err := tag.GetCardUID(context.Background())
		require.NoError(t, err)
	}

	// Both ends must have counted every protected command exactly once,
	// or the next MAC would fail.
	assert.Equal(t, uint16(n), tag.CommandCounter())
	assert.Equal(t, uint16(n), sim.CommandCounter())
}

func TestTamperedResponseFailsIntegrity(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	trans := &simTransceiver{tag: sim}

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	require.NoError(t, provider.SetKey(ntag424.KeyApplication, make([]byte, ntag424.KeySize)))

	tag := ntag424.NewTag(trans, 1, sim.UID())
	_, err := tag.Authenticate(context.Background(), ntag424.KeyApplication, provider)
	require.NoError(t, err)

	trans.corrupt = true
	_, err = tag.GetCardUID(context.Background())
	require.ErrorIs(t, err, ntag424.ErrIntegrity)
}

func TestEncryptedReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag, _ := newAuthedTag(t, sim, ntag424.KeyApplication, make([]byte, ntag424.KeySize))

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i * 3)
	}

	require.NoError(t, tag.WriteData(context.Background(), ntag424.FileProprietary, 0, data, ntag424.CommFull))
	assert.Equal(t, data, sim.FileData(ntag424.FileProprietary)[:len(data)])

	back, err := tag.ReadData(context.Background(), ntag424.FileProprietary, 0, uint32(len(data)), ntag424.CommFull)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestMACProtectedRead(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag, _ := newAuthedTag(t, sim, ntag424.KeyApplication, make([]byte, ntag424.KeySize))

	payload := bytes.Repeat([]byte{0xC7}, 24)
	require.NoError(t, tag.WriteData(context.Background(), ntag424.FileNDEF, 8, payload, ntag424.CommMAC))

	back, err := tag.ReadData(context.Background(), ntag424.FileNDEF, 8, uint32(len(payload)), ntag424.CommMAC)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestPlainReadWithoutSession(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	require.NoError(t, tag.SelectApplication(context.Background()))

	data, err := tag.ReadData(context.Background(), ntag424.FileNDEF, 0, 16, ntag424.CommPlain)
	require.NoError(t, err)
	assert.Len(t, data, 16)
}
