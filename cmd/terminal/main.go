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

// Command terminal runs an access-control tap loop against a PN532
// reader: detect a tag, authenticate it with the configured key, read its
// card UID and wait for it to leave the field.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/werkstattwaedi/machine-auth-sub001/monitor"
	"github.com/werkstattwaedi/machine-auth-sub001/ntag424"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532/transport/i2c"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532/transport/uart"
)

var (
	flagPort      string
	flagTransport string
	flagKey       string
	flagKeySlot   uint
	flagVerbose   bool
)

func init() {
	flag.StringVar(&flagPort, "port", "/dev/ttyS0", "Serial port or I2C bus of the PN532")
	flag.StringVar(&flagTransport, "transport", "uart", "Transport type: uart or i2c")
	flag.StringVar(&flagKey, "key", "", "Authentication key as 32 hex digits (default: factory key)")
	flag.UintVar(&flagKeySlot, "slot", uint(ntag424.KeyApplication), "Key slot to authenticate against")
	flag.BoolVar(&flagVerbose, "verbose", false, "Log wire-level frames")
}

func main() {
	flag.Parse()
	log := logrus.New()

	if err := run(log); err != nil {
		log.WithError(err).Fatal("terminal failed")
	}
}

func run(log *logrus.Logger) error {
	key := make([]byte, ntag424.KeySize)
	if flagKey != "" {
		decoded, err := hex.DecodeString(flagKey)
		if err != nil || len(decoded) != ntag424.KeySize {
			return fmt.Errorf("--key must be %d hex bytes", ntag424.KeySize)
		}
		copy(key, decoded)
	}
	if flagKeySlot >= ntag424.KeySlotCount {
		return fmt.Errorf("--slot must be below %d", ntag424.KeySlotCount)
	}
	keySlot := byte(flagKeySlot)

	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
		pn532.SetDebugLogger(func(msg string) { log.Debug(msg) })
	}

	transport, err := openTransport()
	if err != nil {
		return err
	}

	reader := pn532.NewReader(transport)
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			log.WithError(cerr).Warn("close reader")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reader.Init(ctx); err != nil {
		return fmt.Errorf("initialize reader: %w", err)
	}
	log.WithField("firmware", reader.FirmwareVersion()).Info("reader ready")

	cfg := monitor.DefaultConfig()
	cfg.OnTagArrived = func(ctx context.Context, tag *ntag424.Tag) {
		attendTag(ctx, log, tag, keySlot, key)
	}
	cfg.OnError = func(err error) {
		if pn532.IsRetryable(err) {
			log.WithError(err).Debug("transient reader fault")
			return
		}
		log.WithError(err).Warn("reader fault")
	}

	m := monitor.New(reader, cfg)
	go logEvents(ctx, log, m.Events())

	log.Info("waiting for tags, ctrl-c to stop")
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func openTransport() (pn532.Transport, error) {
	switch flagTransport {
	case "uart":
		t, err := uart.New(flagPort)
		if err != nil {
			return nil, fmt.Errorf("open uart %s: %w", flagPort, err)
		}
		return t, nil
	case "i2c":
		t, err := i2c.New(flagPort)
		if err != nil {
			return nil, fmt.Errorf("open i2c %s: %w", flagPort, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", flagTransport)
	}
}

// attendTag authenticates the presented tag and reads its real UID while
// it is in the field.
func attendTag(ctx context.Context, log *logrus.Logger, tag *ntag424.Tag, keySlot byte, key []byte) {
	entry := log.WithField("uid", hex.EncodeToString(tag.UID()))

	provider := ntag424.NewLocalKeyProvider()
	defer provider.Destroy()
	if err := provider.SetKey(keySlot, key); err != nil {
		entry.WithError(err).Error("load key")
		return
	}

	session, err := tag.Authenticate(ctx, keySlot, provider)
	if err != nil {
		entry.WithError(err).Warn("authentication failed")
		return
	}
	entry = entry.WithField("slot", session.KeyNo())

	cardUID, err := tag.GetCardUID(ctx)
	if err != nil {
		entry.WithError(err).Warn("card uid read failed")
		return
	}
	entry.WithField("card_uid", hex.EncodeToString(cardUID)).Info("tag authenticated")
}

func logEvents(ctx context.Context, log *logrus.Logger, events <-chan monitor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			entry := log.WithField("event", ev.Type.String())
			if ev.Info != nil {
				entry = entry.WithField("uid", ev.Info.UIDString())
			}
			entry.Info("tag event")
		}
	}
}
