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

func testKeySet() *ntag424.KeySet {
	ks := &ntag424.KeySet{Version: 0x01}
	fill := func(dst []byte, b byte) {
		copy(dst, bytes.Repeat([]byte{b}, ntag424.KeySize))
	}
	fill(ks.Application[:], 0xA0)
	fill(ks.Terminal[:], 0xA1)
	fill(ks.Authorization[:], 0xA2)
	fill(ks.SDMMac[:], 0xA3)
	fill(ks.Reserved2[:], 0xA4)
	return ks
}

func assertProvisioned(t *testing.T, sim *nfctest.SimTag, ks *ntag424.KeySet) {
	t.Helper()
	assert.Equal(t, ks.Application[:], sim.Key(ntag424.KeyApplication))
	assert.Equal(t, ks.Terminal[:], sim.Key(ntag424.KeyTerminal))
	assert.Equal(t, ks.Authorization[:], sim.Key(ntag424.KeyAuthorization))
	assert.Equal(t, ks.SDMMac[:], sim.Key(ntag424.KeySDMMac))
	assert.Equal(t, ks.Reserved2[:], sim.Key(ntag424.KeyReserved2))
}

func TestEnsureKeysFactoryTag(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())

	ks := testKeySet()
	require.NoError(t, ntag424.NewProvisioner(ks).EnsureKeys(context.Background(), tag))
	assertProvisioned(t, sim, ks)

	// The final application-key change kills the session.
	assert.False(t, tag.Authenticated())
}

func TestEnsureKeysResumesPartialProvisioning(t *testing.T) {
	t.Parallel()

	ks := testKeySet()
	sim := nfctest.NewSimTag()
	// A previous run personalized two slots and then died before touching
	// the rest or the application key.
	sim.SetKey(ntag424.KeyTerminal, ks.Terminal[:])
	sim.SetKey(ntag424.KeySDMMac, ks.SDMMac[:])

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	require.NoError(t, ntag424.NewProvisioner(ks).EnsureKeys(context.Background(), tag))
	assertProvisioned(t, sim, ks)
}

func TestEnsureKeysIdempotentOnProvisionedTag(t *testing.T) {
	t.Parallel()

	ks := testKeySet()
	sim := nfctest.NewSimTag()
	sim.SetKey(ntag424.KeyApplication, ks.Application[:])
	sim.SetKey(ntag424.KeyTerminal, ks.Terminal[:])
	sim.SetKey(ntag424.KeyAuthorization, ks.Authorization[:])
	sim.SetKey(ntag424.KeySDMMac, ks.SDMMac[:])
	sim.SetKey(ntag424.KeyReserved2, ks.Reserved2[:])

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	require.NoError(t, ntag424.NewProvisioner(ks).EnsureKeys(context.Background(), tag))
	assertProvisioned(t, sim, ks)
}

func TestKeySetZero(t *testing.T) {
	t.Parallel()

	ks := testKeySet()
	ks.Zero()
	assert.Equal(t, [ntag424.KeySize]byte{}, ks.Application)
	assert.Equal(t, [ntag424.KeySize]byte{}, ks.Reserved2)
}
