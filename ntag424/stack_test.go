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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

// TestFullStackTapSequence drives the complete tap flow through the real
// frame codec and reader state machine: wire bring-up, detection, EV2
// authentication, an encrypted UID read, and departure.
func TestFullStackTapSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	transport := nfctest.NewScriptedTransport()
	sim := nfctest.NewSimTag()
	controller := nfctest.NewSimController(transport, sim)

	reader := pn532.NewReader(transport)
	require.NoError(t, reader.Init(ctx))
	require.NoError(t, reader.SelfTest(ctx))

	info, err := reader.DetectTag(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sim.UID(), info.UID)
	require.True(t, info.ISO14443v4, "NTAG424 must activate as ISO 14443-4")

	tag := ntag424.NewTag(reader, info.Target, info.UID)

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	require.NoError(t, provider.SetKey(ntag424.KeyApplication, make([]byte, ntag424.KeySize)))

	session, err := tag.Authenticate(ctx, ntag424.KeyApplication, provider)
	require.NoError(t, err)
	require.NoError(t, tag.ValidateSession(session))

	uid, err := tag.GetCardUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.UID(), uid)

	present, err := reader.CheckTagPresent(ctx)
	require.NoError(t, err)
	assert.True(t, present)

	controller.RemoveTag()
	present, err = reader.CheckTagPresent(ctx)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, reader.ReleaseTag(ctx, info.Target))
}

// TestFullStackEmptyField checks the idle path: detection with no tag in
// the field reports not-found, not an error.
func TestFullStackEmptyField(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	transport := nfctest.NewScriptedTransport()
	nfctest.NewSimController(transport, nil)

	reader := pn532.NewReader(transport)
	require.NoError(t, reader.Init(ctx))

	_, err := reader.DetectTag(ctx, 0)
	assert.ErrorIs(t, err, pn532.ErrNoTagDetected)
}
