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

package ntag424

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExhaustedSessionRejectedBeforeSend(t *testing.T) {
	t.Parallel()

	// No reader attached: reaching the transport would panic, proving the
	// rejection happens before any frame leaves the host.
	tag := &Tag{session: &sessionState{counter: counterCeiling}}

	_, err := tag.runCommand(context.Background(), cmdSpec{ins: insGetCardUID, mode: CommFull})
	require.ErrorIs(t, err, ErrSessionExhausted)

	_, err = tag.runCommand(context.Background(), cmdSpec{ins: insGetFileSet, header: []byte{0x02}, mode: CommMAC})
	require.ErrorIs(t, err, ErrSessionExhausted)
}

func TestProtectedCommandWithoutSession(t *testing.T) {
	t.Parallel()

	tag := &Tag{}
	_, err := tag.runCommand(context.Background(), cmdSpec{ins: insGetCardUID, mode: CommFull})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCounterBytesLittleEndian(t *testing.T) {
	t.Parallel()

	st := &sessionState{counter: 0x1234}
	assert.Equal(t, [2]byte{0x34, 0x12}, st.counterBytes())
}

func TestSessionIVVariesByDirectionAndCounter(t *testing.T) {
	t.Parallel()

	st := &sessionState{ti: [4]byte{1, 2, 3, 4}}
	for i := range st.keys.Enc {
		st.keys.Enc[i] = byte(i)
	}

	cmdIV, err := sessionIV(st, ivPrefixCommand)
	require.NoError(t, err)
	respIV, err := sessionIV(st, ivPrefixResponse)
	require.NoError(t, err)
	assert.NotEqual(t, cmdIV, respIV)

	st.counter++
	nextIV, err := sessionIV(st, ivPrefixCommand)
	require.NoError(t, err)
	assert.NotEqual(t, cmdIV, nextIV)
}

func TestValidateSessionFailsClosed(t *testing.T) {
	t.Parallel()

	tag := &Tag{serial: 7, session: &sessionState{keyNo: KeyTerminal}}
	good := &Session{keyNo: KeyTerminal, serial: 7}

	require.NoError(t, tag.ValidateSession(good))

	assert.ErrorIs(t, tag.ValidateSession(nil), ErrUnauthenticated)
	assert.ErrorIs(t, tag.ValidateSession(&Session{keyNo: KeyTerminal, serial: 6}), ErrUnauthenticated)
	assert.ErrorIs(t, tag.ValidateSession(&Session{keyNo: KeyApplication, serial: 7}), ErrUnauthenticated)

	tag.ClearSession()
	assert.ErrorIs(t, tag.ValidateSession(good), ErrUnauthenticated)
	assert.False(t, tag.Authenticated())
	assert.Zero(t, tag.CommandCounter())
}

func TestSessionStateZero(t *testing.T) {
	t.Parallel()

	st := &sessionState{ti: [4]byte{0xDE, 0xAD, 0xBE, 0xEF}, counter: 42}
	for i := range st.keys.Enc {
		st.keys.Enc[i] = 0xFF
		st.keys.Mac[i] = 0xFF
	}
	st.zero()
	assert.Equal(t, SessionKeys{}, st.keys)
	assert.Equal(t, [4]byte{}, st.ti)
	assert.Zero(t, st.counter)
}
