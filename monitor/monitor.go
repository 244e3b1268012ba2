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

// Package monitor runs the tap lifecycle: poll for a tag, hand it to the
// application while it is in the field, watch for its departure, repeat.
// The controller allows one command in flight, so all tag work happens
// inside the monitor's own loop; the application plugs in via a
// synchronous arrival callback and a re-armable event subscription.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/syncutil"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

// EventType discriminates monitor events.
type EventType int

const (
	// TagArrived reports a newly detected tag.
	TagArrived EventType = iota
	// TagDeparted reports that the current tag left the field.
	TagDeparted
)

func (e EventType) String() string {
	switch e {
	case TagArrived:
		return "tag arrived"
	case TagDeparted:
		return "tag departed"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// Event is one arrival or departure notification. Tag is set on arrival
// only and stays valid until the matching departure.
type Event struct {
	Type EventType
	Info *pn532.TagInfo
	Tag  *ntag424.Tag
}

// Config holds the monitor's tunable parameters.
type Config struct {
	// DetectInterval is the pause between detection attempts while the
	// field is empty.
	DetectInterval time.Duration

	// DetectTimeout bounds a single detection attempt. Zero uses the
	// reader's configured default.
	DetectTimeout time.Duration

	// PresenceInterval is the pause between presence checks while a tag
	// is in the field. Zero uses the reader's configured default.
	PresenceInterval time.Duration

	// ExchangeTimeout bounds each APDU exchange with a detected tag.
	ExchangeTimeout time.Duration

	// PresenceFailureLimit is how many consecutive failed presence checks
	// are tolerated before the tag is treated as departed.
	PresenceFailureLimit int

	// OnTagArrived, if set, runs synchronously inside the monitor loop
	// while the tag is in the field and no presence checks compete for
	// the reader. A panic in the callback is recovered and surfaced via
	// OnError; it never kills the loop.
	OnTagArrived func(ctx context.Context, tag *ntag424.Tag)

	// OnError, if set, receives non-fatal loop errors (recovered
	// transport faults, release failures). Must not block.
	OnError func(err error)
}

// DefaultConfig returns the standard terminal timing.
func DefaultConfig() Config {
	return Config{
		DetectInterval:       100 * time.Millisecond,
		ExchangeTimeout:      ntag424.DefaultExchangeTimeout,
		PresenceFailureLimit: 3,
	}
}

// Monitor drives a reader through the detect/attend/depart cycle.
type Monitor struct {
	reader *pn532.Reader
	cfg    Config

	events chan Event

	mu      syncutil.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor. Zero config durations fall back to defaults.
func New(reader *pn532.Reader, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = def.DetectInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = reader.PresenceInterval()
	}
	if cfg.PresenceFailureLimit <= 0 {
		cfg.PresenceFailureLimit = def.PresenceFailureLimit
	}
	return &Monitor{
		reader: reader,
		cfg:    cfg,
		events: make(chan Event, 1),
	}
}

// Events returns the subscription channel. It holds at most one
// undelivered event: receiving re-arms the subscription, and an event
// raised while the slot is still occupied is dropped. Consumers that care
// about every transition must drain promptly.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start launches the monitor loop. It fails if the monitor is already
// running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.run(runCtx)
	}()
	return nil
}

// Close stops the loop and waits for it to finish. Safe to call multiple
// times.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Run executes the monitor loop on the caller's goroutine until ctx is
// cancelled. Most callers use Start/Close instead.
func (m *Monitor) Run(ctx context.Context) error {
	m.run(ctx)
	return ctx.Err()
}

func (m *Monitor) run(ctx context.Context) {
	for ctx.Err() == nil {
		info, err := m.reader.DetectTag(ctx, m.cfg.DetectTimeout)
		switch {
		case err == nil:
			m.attendTag(ctx, info)
			continue
		case errors.Is(err, pn532.ErrNoTagDetected):
			// Steady-state empty field.
		default:
			m.handleLoopError(ctx, err)
		}
		sleepCtx(ctx, m.cfg.DetectInterval)
	}
}

// attendTag owns one tap from arrival to departure.
func (m *Monitor) attendTag(ctx context.Context, info *pn532.TagInfo) {
	tag := ntag424.NewTag(m.reader, info.Target, info.UID,
		ntag424.WithExchangeTimeout(m.cfg.ExchangeTimeout))

	m.emit(Event{Type: TagArrived, Info: info, Tag: tag})

	if m.cfg.OnTagArrived != nil {
		m.invokeArrival(ctx, tag)
	}

	m.watchPresence(ctx)

	// Departure invalidates every session token issued during the tap.
	tag.ClearSession()
	m.emit(Event{Type: TagDeparted, Info: info})

	if err := m.reader.ReleaseTag(ctx, info.Target); err != nil && ctx.Err() == nil {
		m.reportError(fmt.Errorf("release tag: %w", err))
	}
}

// invokeArrival runs the arrival callback, containing any panic.
func (m *Monitor) invokeArrival(ctx context.Context, tag *ntag424.Tag) {
	defer func() {
		if r := recover(); r != nil {
			m.reportError(fmt.Errorf("tag arrival callback panicked: %v", r))
		}
	}()
	m.cfg.OnTagArrived(ctx, tag)
}

// watchPresence polls the attention-request diagnostic until the tag
// leaves or checks fail persistently.
func (m *Monitor) watchPresence(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		sleepCtx(ctx, m.cfg.PresenceInterval)
		if ctx.Err() != nil {
			return
		}

		present, err := m.reader.CheckTagPresent(ctx)
		if err != nil {
			failures++
			m.handleLoopError(ctx, err)
			if failures >= m.cfg.PresenceFailureLimit {
				return
			}
			continue
		}
		failures = 0
		if !present {
			return
		}
	}
}

// handleLoopError reports a fault and, for integrity failures and
// mid-exchange timeouts, realigns the link before the next operation.
func (m *Monitor) handleLoopError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	m.reportError(err)
	if pn532.IsDataIntegrity(err) || pn532.IsTimeout(err) {
		if rerr := m.reader.RecoverFromDesync(); rerr != nil {
			m.reportError(fmt.Errorf("desync recovery: %w", rerr))
		}
	}
}

func (m *Monitor) reportError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

// emit delivers an event if the subscription slot is free.
func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
