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
	"crypto/rand"
	"fmt"
)

// Authenticate runs the EV2 three-pass mutual authentication against the
// given key slot and, on success, commits fresh session state and returns
// its token.
//
// Pass 1 asks the tag for its challenge encrypted under the slot key.
// The provider then proves key knowledge by producing the Part-2
// cryptogram; pass 3 is the tag's own proof, RndA rotated and encrypted
// under the new session key. A failed RndA' check is an authentication
// failure, never retried with the same challenge: RndA is fresh from a
// CSPRNG on every attempt.
//
// On any failure the previous session state (if any) is left untouched.
func (t *Tag) Authenticate(ctx context.Context, keyNo byte, provider KeyProvider) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: nil key provider", ErrParameter)
	}
	if !t.selected {
		if err := t.SelectApplication(ctx); err != nil {
			return nil, err
		}
	}

	encRndB, err := t.authPart1(ctx, keyNo)
	if err != nil {
		return nil, err
	}

	rndA := make([]byte, BlockSize)
	if _, err := rand.Read(rndA); err != nil {
		return nil, fmt.Errorf("generate RndA: %w", err)
	}
	defer SecureZero(rndA)

	part2, keys, err := provider.ComputeAuthResponse(ctx, keyNo, rndA, encRndB)
	if err != nil {
		return nil, fmt.Errorf("key provider: %w", err)
	}
	defer SecureZero(part2)

	card, err := t.authPart2(ctx, part2)
	if err != nil {
		keys.Zero()
		return nil, err
	}
	defer SecureZero(card)

	// Decrypt the tag's confirmation with the fresh session encryption
	// key: TI(4) ‖ RndA'(16) ‖ PDcap2(6) ‖ PCDcap2(6).
	plain, err := aesCBCDecrypt(keys.Enc[:], zeroIV[:], card)
	if err != nil {
		keys.Zero()
		return nil, err
	}
	defer SecureZero(plain)

	if len(plain) != 32 {
		keys.Zero()
		return nil, fmt.Errorf("%w: auth confirmation %d bytes", ErrProtocol, len(plain))
	}

	if !VerifyRndAPrime(rndA, plain[4:20]) {
		keys.Zero()
		return nil, fmt.Errorf("%w: tag failed RndA' proof", ErrUnauthenticated)
	}

	st := &sessionState{keys: keys, keyNo: keyNo}
	copy(st.ti[:], plain[0:4])
	return t.commitSession(st), nil
}

// authPart1 sends AuthenticateEV2First and returns the 16-byte encrypted
// RndB. The tag signals the expected continuation with the
// additional-frame status; anything else aborts the flow.
func (t *Tag) authPart1(ctx context.Context, keyNo byte) ([]byte, error) {
	resp, err := t.exchangeAPDU(ctx, apduNative(insAuthEV2First, []byte{keyNo, 0x00}))
	if err != nil {
		return nil, fmt.Errorf("auth part 1: %w", err)
	}
	body, sw, err := splitStatus(resp)
	if err != nil {
		return nil, err
	}
	if swErr := statusError(sw); swErr != errAdditionalFrame {
		if swErr == nil {
			return nil, fmt.Errorf("%w: auth part 1 completed without challenge", ErrProtocol)
		}
		return nil, fmt.Errorf("auth part 1: %w", swErr)
	}
	if len(body) != BlockSize {
		return nil, fmt.Errorf("%w: encrypted RndB is %d bytes", ErrProtocol, len(body))
	}
	return body, nil
}

// authPart2 sends the 32-byte Part-2 cryptogram and returns the tag's
// 32-byte encrypted confirmation.
func (t *Tag) authPart2(ctx context.Context, part2 []byte) ([]byte, error) {
	if len(part2) != 2*BlockSize {
		return nil, fmt.Errorf("%w: part 2 cryptogram is %d bytes", ErrParameter, len(part2))
	}
	resp, err := t.exchangeAPDU(ctx, apduNative(insAdditionalData, part2))
	if err != nil {
		return nil, fmt.Errorf("auth part 2: %w", err)
	}
	body, sw, err := splitStatus(resp)
	if err != nil {
		return nil, err
	}
	if swErr := statusError(sw); swErr != nil {
		return nil, fmt.Errorf("auth part 2: %w", swErr)
	}
	if len(body) != 2*BlockSize {
		return nil, fmt.Errorf("%w: auth confirmation is %d bytes", ErrProtocol, len(body))
	}
	return body, nil
}
