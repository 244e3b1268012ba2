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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
)

// simTransceiver routes APDUs straight into a simulated tag, bypassing
// the PN532 layer.
type simTransceiver struct {
	tag *nfctest.SimTag

	// corrupt, when set, flips one byte in every response body.
	corrupt bool
}

func (s *simTransceiver) Transceive(_ context.Context, _ byte, command []byte, _ time.Duration) ([]byte, error) {
	resp := s.tag.ProcessAPDU(command)
	if s.corrupt && len(resp) > 2 {
		resp[0] ^= 0x01
	}
	return resp, nil
}

func newAuthedTag(t *testing.T, sim *nfctest.SimTag, keyNo byte, key []byte) (*ntag424.Tag, *ntag424.Session) {
	t.Helper()

	provider := ntag424.NewLocalKeyProvider()
	t.Cleanup(provider.Destroy)
	require.NoError(t, provider.SetKey(keyNo, key))

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	session, err := tag.Authenticate(context.Background(), keyNo, provider)
	require.NoError(t, err)
	return tag, session
}

func TestAuthenticateEstablishesSession(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x37}, ntag424.KeySize)
	sim := nfctest.NewSimTag()
	sim.SetKey(ntag424.KeyTerminal, key)

	tag, session := newAuthedTag(t, sim, ntag424.KeyTerminal, key)

	assert.True(t, tag.Authenticated())
	assert.True(t, sim.Authenticated())
	assert.Equal(t, ntag424.KeyTerminal, session.KeyNo())
	assert.NoError(t, tag.ValidateSession(session))
	assert.Zero(t, tag.CommandCounter())
}

func TestAuthenticateRejectsForgedProof(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	sim.FlipRndAPrime = true

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	require.NoError(t, provider.SetKey(ntag424.KeyApplication, make([]byte, ntag424.KeySize)))

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	_, err := tag.Authenticate(context.Background(), ntag424.KeyApplication, provider)

	require.ErrorIs(t, err, ntag424.ErrUnauthenticated)
	assert.False(t, tag.Authenticated())
}

func TestAuthenticateWrongKey(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	sim.SetKey(ntag424.KeyTerminal, bytes.Repeat([]byte{0xAA}, ntag424.KeySize))

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	require.NoError(t, provider.SetKey(ntag424.KeyTerminal, bytes.Repeat([]byte{0xBB}, ntag424.KeySize)))

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	_, err := tag.Authenticate(context.Background(), ntag424.KeyTerminal, provider)

	require.ErrorIs(t, err, ntag424.ErrUnauthenticated)
	assert.False(t, tag.Authenticated())
	assert.False(t, sim.Authenticated())
}

func TestAuthenticateUnknownKeySlot(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()

	tag := ntag424.NewTag(&simTransceiver{tag: sim}, 1, sim.UID())
	_, err := tag.Authenticate(context.Background(), ntag424.KeyTerminal, provider)

	// The provider has no key for the slot; the handshake never reaches
	// part 2.
	require.ErrorIs(t, err, ntag424.ErrNoSuchKey)
}

func TestAuthenticateNilProvider(t *testing.T) {
	t.Parallel()

	tag := ntag424.NewTag(&simTransceiver{tag: nfctest.NewSimTag()}, 1, nil)
	_, err := tag.Authenticate(context.Background(), ntag424.KeyApplication, nil)
	assert.ErrorIs(t, err, ntag424.ErrParameter)
}

func TestReauthenticationInvalidatesOldToken(t *testing.T) {
	t.Parallel()

	sim := nfctest.NewSimTag()
	key := make([]byte, ntag424.KeySize)

	tag, first := newAuthedTag(t, sim, ntag424.KeyApplication, key)

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	require.NoError(t, provider.SetKey(ntag424.KeyApplication, key))

	second, err := tag.Authenticate(context.Background(), ntag424.KeyApplication, provider)
	require.NoError(t, err)

	assert.ErrorIs(t, tag.ValidateSession(first), ntag424.ErrUnauthenticated)
	assert.NoError(t, tag.ValidateSession(second))
}
