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
	"errors"
	"fmt"
)

// factoryDefaultKey is the all-zero key every NTAG 424 ships with in all
// slots.
var factoryDefaultKey = make([]byte, KeySize)

// KeySet is the target key material for one personalized tag.
type KeySet struct {
	Application   [KeySize]byte
	Terminal      [KeySize]byte
	Authorization [KeySize]byte
	SDMMac        [KeySize]byte
	Reserved2     [KeySize]byte

	// Version is written as the key version for every slot.
	Version byte
}

// Zero wipes all key material in the set.
func (s *KeySet) Zero() {
	SecureZero(s.Application[:])
	SecureZero(s.Terminal[:])
	SecureZero(s.Authorization[:])
	SecureZero(s.SDMMac[:])
	SecureZero(s.Reserved2[:])
}

func (s *KeySet) slot(keyNo byte) []byte {
	switch keyNo {
	case KeyApplication:
		return s.Application[:]
	case KeyTerminal:
		return s.Terminal[:]
	case KeyAuthorization:
		return s.Authorization[:]
	case KeySDMMac:
		return s.SDMMac[:]
	case KeyReserved2:
		return s.Reserved2[:]
	default:
		return nil
	}
}

// Provisioner writes a KeySet onto tags. It is deliberately idempotent:
// provisioning a partially-personalized tag (a previous run died halfway)
// finishes the job instead of failing, because every ChangeKey that
// rejects the factory default old key is retried assuming the slot
// already holds the target key.
type Provisioner struct {
	keys *KeySet
}

// NewProvisioner creates a provisioner for the given target keys. The
// KeySet is not copied; the caller keeps ownership and wipes it.
func NewProvisioner(keys *KeySet) *Provisioner {
	return &Provisioner{keys: keys}
}

// EnsureKeys brings all five key slots to the target KeySet. The tag may
// be factory fresh, fully personalized, or anywhere in between.
func (p *Provisioner) EnsureKeys(ctx context.Context, tag *Tag) error {
	if err := p.authenticateApplication(ctx, tag); err != nil {
		return err
	}

	// Non-authentication slots first; the application key goes last so a
	// crash between changes leaves a tag the next run can still open
	// with the factory key.
	for _, keyNo := range []byte{KeyTerminal, KeyAuthorization, KeySDMMac, KeyReserved2} {
		if err := p.ensureSlot(ctx, tag, keyNo); err != nil {
			return err
		}
	}
	return p.ensureApplicationKey(ctx, tag)
}

// authenticateApplication opens a session with the application key,
// trying factory default first and falling back to the target key for
// already-personalized tags.
func (p *Provisioner) authenticateApplication(ctx context.Context, tag *Tag) error {
	provider := NewLocalKeyProvider()
	defer provider.Destroy()

	if err := provider.SetKey(KeyApplication, factoryDefaultKey); err != nil {
		return err
	}
	if _, err := tag.Authenticate(ctx, KeyApplication, provider); err == nil {
		return nil
	} else if !errors.Is(err, ErrUnauthenticated) {
		return fmt.Errorf("authenticate with default key: %w", err)
	}

	if err := provider.SetKey(KeyApplication, p.keys.Application[:]); err != nil {
		return err
	}
	if _, err := tag.Authenticate(ctx, KeyApplication, provider); err != nil {
		return fmt.Errorf("authenticate with target key: %w", err)
	}
	return nil
}

// ensureSlot changes one non-application slot from factory default to the
// target key. A 91AE on the default old key means the slot was already
// personalized; re-issuing the change with old == new verifies that and
// is a no-op on the tag.
func (p *Provisioner) ensureSlot(ctx context.Context, tag *Tag, keyNo byte) error {
	target := p.keys.slot(keyNo)

	err := tag.ChangeKey(ctx, keyNo, factoryDefaultKey, target, p.keys.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, ErrIntegrity) {
		return fmt.Errorf("provision key %d: %w", keyNo, err)
	}

	if retryErr := tag.ChangeKey(ctx, keyNo, target, target, p.keys.Version); retryErr != nil {
		return fmt.Errorf("provision key %d (already-personalized retry): %w", keyNo, retryErr)
	}
	return nil
}

// ensureApplicationKey rotates slot 0 to the target key. Changing the
// session's own key clears the session; nothing further runs after this.
func (p *Provisioner) ensureApplicationKey(ctx context.Context, tag *Tag) error {
	session := tag.session
	if session == nil {
		return fmt.Errorf("provision application key: %w", ErrUnauthenticated)
	}

	// Already authenticated with the target key: slot 0 is done.
	authKey := p.keys.Application[:]
	if err := tag.ChangeKey(ctx, KeyApplication, nil, authKey, p.keys.Version); err != nil {
		return fmt.Errorf("provision application key: %w", err)
	}
	return nil
}
