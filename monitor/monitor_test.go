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

package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub001/monitor"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

const eventWait = 2 * time.Second

func newTestStack(t *testing.T) (*pn532.Reader, *nfctest.SimController, *nfctest.SimTag) {
	t.Helper()
	transport := nfctest.NewScriptedTransport()
	sim := nfctest.NewSimTag()
	controller := nfctest.NewSimController(transport, sim)
	reader := pn532.NewReader(transport)
	require.NoError(t, reader.Init(context.Background()))
	return reader, controller, sim
}

func fastConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.DetectInterval = 2 * time.Millisecond
	cfg.PresenceInterval = 2 * time.Millisecond
	return cfg
}

func receiveEvent(t *testing.T, events <-chan monitor.Event) monitor.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for monitor event")
		return monitor.Event{}
	}
}

func TestMonitorTapLifecycle(t *testing.T) {
	t.Parallel()

	reader, controller, sim := newTestStack(t)

	var staleSession *ntag424.Session
	var staleTag *ntag424.Tag
	attended := make(chan []byte, 1)

	cfg := fastConfig()
	cfg.OnTagArrived = func(ctx context.Context, tag *ntag424.Tag) {
		provider := ntag424.NewLocalKeyProvider()
		defer provider.Destroy()
		if err := provider.SetKey(ntag424.KeyApplication, make([]byte, ntag424.KeySize)); err != nil {
			t.Error(err)
			return
		}
		session, err := tag.Authenticate(ctx, ntag424.KeyApplication, provider)
		if err != nil {
			t.Errorf("authenticate in arrival callback: %v", err)
			return
		}
		uid, err := tag.GetCardUID(ctx)
		if err != nil {
			t.Errorf("get card uid in arrival callback: %v", err)
			return
		}
		staleSession = session
		staleTag = tag
		attended <- uid
		// The consumer is done with the tag; take it away.
		controller.RemoveTag()
	}

	m := monitor.New(reader, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	arrived := receiveEvent(t, m.Events())
	require.Equal(t, monitor.TagArrived, arrived.Type)
	require.NotNil(t, arrived.Tag)
	assert.Equal(t, sim.UID(), arrived.Info.UID)

	select {
	case uid := <-attended:
		assert.Equal(t, sim.UID(), uid)
	case <-time.After(eventWait):
		t.Fatal("arrival callback did not run")
	}

	departed := receiveEvent(t, m.Events())
	assert.Equal(t, monitor.TagDeparted, departed.Type)
	assert.Nil(t, departed.Tag)

	// Departure tears down the session: the token issued during the tap
	// must no longer validate.
	require.NotNil(t, staleTag)
	assert.False(t, staleTag.Authenticated())
	assert.ErrorIs(t, staleTag.ValidateSession(staleSession), ntag424.ErrUnauthenticated)
}

func TestMonitorEmptyFieldEmitsNothing(t *testing.T) {
	t.Parallel()

	transport := nfctest.NewScriptedTransport()
	nfctest.NewSimController(transport, nil)
	reader := pn532.NewReader(transport)
	require.NoError(t, reader.Init(context.Background()))

	m := monitor.New(reader, fastConfig())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v from empty field", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorSubscriptionHoldsOneEvent(t *testing.T) {
	t.Parallel()

	reader, controller, _ := newTestStack(t)

	cfg := fastConfig()
	cfg.OnTagArrived = func(context.Context, *ntag424.Tag) {
		controller.RemoveTag()
	}
	cfg.OnError = func(error) {}

	m := monitor.New(reader, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	// Let the whole tap play out without receiving anything: the slot
	// holds the arrival, the departure is dropped.
	time.Sleep(200 * time.Millisecond)

	first := receiveEvent(t, m.Events())
	assert.Equal(t, monitor.TagArrived, first.Type)

	select {
	case ev := <-m.Events():
		t.Fatalf("dropped event was delivered: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorCloseIdempotent(t *testing.T) {
	t.Parallel()

	transport := nfctest.NewScriptedTransport()
	nfctest.NewSimController(transport, nil)
	reader := pn532.NewReader(transport)
	require.NoError(t, reader.Init(context.Background()))

	m := monitor.New(reader, fastConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	// A closed monitor can be restarted.
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())
}

func TestMonitorArrivalCallbackPanicContained(t *testing.T) {
	t.Parallel()

	reader, controller, _ := newTestStack(t)

	errs := make(chan error, 8)
	cfg := fastConfig()
	cfg.OnTagArrived = func(context.Context, *ntag424.Tag) {
		controller.RemoveTag()
		panic("callback exploded")
	}
	cfg.OnError = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	m := monitor.New(reader, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	arrived := receiveEvent(t, m.Events())
	assert.Equal(t, monitor.TagArrived, arrived.Type)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "panicked")
	case <-time.After(eventWait):
		t.Fatal("panic was not reported")
	}

	// The loop survived and still reports the departure.
	departed := receiveEvent(t, m.Events())
	assert.Equal(t, monitor.TagDeparted, departed.Type)
}
