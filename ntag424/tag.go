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
	"fmt"
	"time"
)

// Transceiver is the only operation the tag layer needs from the reader
// driver, which keeps the whole protocol testable against a simulated
// byte stream.
type Transceiver interface {
	Transceive(ctx context.Context, target byte, command []byte, timeout time.Duration) ([]byte, error)
}

// dfNameNtag424 is the ISO DF name of the NTAG 424 DNA application.
var dfNameNtag424 = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// Native command INS codes.
const (
	insAuthEV2First   = 0x71
	insAdditionalData = 0xAF
	insGetVersion     = 0x60
	insGetCardUID     = 0x51
	insGetFileSet     = 0xF5
	insChangeFileSet  = 0x5F
	insReadData       = 0xAD
	insWriteData      = 0x8D
	insChangeKey      = 0xC4
	insSetConfig      = 0x5C
)

// DefaultExchangeTimeout bounds a single APDU exchange with the tag.
const DefaultExchangeTimeout = time.Second

// Tag is one detected NTAG 424 DNA. It owns the secure-messaging session
// state; Session tokens handed out by Authenticate are validated against
// the tag's current session generation.
type Tag struct {
	reader  Transceiver
	target  byte
	uid     []byte
	timeout time.Duration

	session  *sessionState
	serial   uint64
	selected bool
}

// TagOption configures a Tag.
type TagOption func(*Tag)

// WithExchangeTimeout overrides the per-exchange deadline.
func WithExchangeTimeout(d time.Duration) TagOption {
	return func(t *Tag) { t.timeout = d }
}

// NewTag wraps a detected target. target is the controller-assigned
// handle from detection; uid is the tag's NFCID.
func NewTag(reader Transceiver, target byte, uid []byte, opts ...TagOption) *Tag {
	t := &Tag{
		reader:  reader,
		target:  target,
		uid:     append([]byte(nil), uid...),
		timeout: DefaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UID returns the UID reported at detection time. With random-UID tags
// this differs from the real UID, which only GetCardUID reveals.
func (t *Tag) UID() []byte {
	return append([]byte(nil), t.uid...)
}

// Target returns the controller-assigned target number.
func (t *Tag) Target() byte {
	return t.target
}

// exchangeAPDU sends one APDU through the reader.
func (t *Tag) exchangeAPDU(ctx context.Context, apdu []byte) ([]byte, error) {
	resp, err := t.reader.Transceive(ctx, t.target, apdu, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("transceive: %w", err)
	}
	return resp, nil
}

// apduNative wraps a native command in the 0x90 APDU envelope.
func apduNative(ins byte, field []byte) []byte {
	apdu := make([]byte, 0, 6+len(field))
	apdu = append(apdu, 0x90, ins, 0x00, 0x00)
	if len(field) > 0 {
		apdu = append(apdu, byte(len(field)))
		apdu = append(apdu, field...)
	}
	return append(apdu, 0x00)
}

// SelectApplication selects the NTAG 424 DNA application by DF name.
// Must run once per tap before authentication.
func (t *Tag) SelectApplication(ctx context.Context) error {
	apdu := make([]byte, 0, 6+len(dfNameNtag424))
	apdu = append(apdu, 0x00, 0xA4, 0x04, 0x0C, byte(len(dfNameNtag424)))
	apdu = append(apdu, dfNameNtag424...)
	apdu = append(apdu, 0x00)

	resp, err := t.exchangeAPDU(ctx, apdu)
	if err != nil {
		return fmt.Errorf("select application: %w", err)
	}
	_, sw, err := splitStatus(resp)
	if err != nil {
		return err
	}
	if err := statusError(sw); err != nil {
		return fmt.Errorf("select application: %w", err)
	}
	t.selected = true
	return nil
}

// ValidateSession checks that a token still refers to this tag's live
// session. Stale tokens (cleared session, later re-authentication) fail
// closed with ErrUnauthenticated.
func (t *Tag) ValidateSession(s *Session) error {
	if s == nil || t.session == nil || s.serial != t.serial || s.keyNo != t.session.keyNo {
		return ErrUnauthenticated
	}
	return nil
}

// Authenticated reports whether a session is currently established.
func (t *Tag) Authenticated() bool {
	return t.session != nil
}

// CommandCounter returns the session command counter, for diagnostics.
// Zero when no session is established.
func (t *Tag) CommandCounter() uint16 {
	if t.session == nil {
		return 0
	}
	return t.session.counter
}

// ClearSession wipes and drops the session state. Outstanding tokens
// become invalid; the serial is not reused, so a token from the cleared
// generation can never validate again.
func (t *Tag) ClearSession() {
	if t.session != nil {
		t.session.zero()
		t.session = nil
	}
}

// commitSession atomically installs freshly derived session state and
// returns its token. Any previous session is wiped first.
func (t *Tag) commitSession(st *sessionState) *Session {
	t.ClearSession()
	t.serial++
	t.session = st
	return &Session{keyNo: st.keyNo, serial: t.serial}
}
