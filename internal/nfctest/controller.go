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

package nfctest

import (
	"sync"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/frame"
)

// PN532 command bytes the controller model answers.
const (
	simCmdDiagnose       = 0x00
	simCmdGetFirmware    = 0x02
	simCmdSAMConfig      = 0x14
	simCmdRFConfig       = 0x32
	simCmdInListPassive  = 0x4A
	simCmdInDataExchange = 0x40
	simCmdInRelease      = 0x52
)

// SimController models the PN532 side of the wire: it answers the
// initialization commands and routes InDataExchange traffic to a SimTag,
// so a full Reader + Tag stack runs end to end over a ScriptedTransport.
type SimController struct {
	mu  sync.Mutex
	tag *SimTag

	// TagPresent controls whether detection and presence checks see a
	// tag in the field.
	tagPresent bool

	firmware []byte
	target   byte
}

// NewSimController wires a controller model onto the transport. The tag
// may be nil (empty field) and can be placed later with PlaceTag.
func NewSimController(t *ScriptedTransport, tag *SimTag) *SimController {
	c := &SimController{
		tag:        tag,
		tagPresent: tag != nil,
		firmware:   []byte{0x32, 0x01, 0x06, 0x07},
		target:     1,
	}
	t.OnWrite = func(data []byte) { c.handleWrite(t, data) }
	return c
}

// PlaceTag puts a tag into the simulated field.
func (c *SimController) PlaceTag(tag *SimTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag = tag
	c.tagPresent = tag != nil
}

// RemoveTag empties the simulated field. Subsequent detections time out
// (zero targets) and presence checks report the target gone.
func (c *SimController) RemoveTag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagPresent = false
}

func (c *SimController) handleWrite(t *ScriptedTransport, data []byte) {
	cmd, params, ok := ParseHostFrame(data)
	if !ok {
		// ACK frames and wakeup preambles need no reply.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.QueueAck()
	switch cmd {
	case simCmdSAMConfig, simCmdRFConfig:
		t.QueueResponse(cmd, nil)

	case simCmdGetFirmware:
		t.QueueResponse(cmd, c.firmware)

	case simCmdDiagnose:
		if len(params) > 0 && params[0] == 0x06 {
			// Attention request: status reflects field state.
			if c.tagPresent {
				t.QueueResponse(cmd, []byte{0x00})
			} else {
				t.QueueResponse(cmd, []byte{0x01})
			}
			return
		}
		// Communication line test echoes its input.
		t.QueueResponse(cmd, params)

	case simCmdInListPassive:
		if !c.tagPresent || c.tag == nil {
			t.QueueResponse(cmd, []byte{0x00})
			return
		}
		uid := c.tag.UID()
		resp := []byte{0x01, c.target, 0x00, 0x04, 0x20, byte(len(uid))}
		resp = append(resp, uid...)
		t.QueueResponse(cmd, resp)

	case simCmdInDataExchange:
		if !c.tagPresent || c.tag == nil || len(params) < 2 {
			t.QueueResponse(cmd, []byte{0x01})
			return
		}
		apduResp := c.tag.ProcessAPDU(params[1:])
		t.QueueResponse(cmd, append([]byte{0x00}, apduResp...))

	case simCmdInRelease:
		t.QueueResponse(cmd, []byte{0x00})

	default:
		// Unknown command: syntax error frame, like the real chip.
		t.QueueBytes([]byte{frame.Preamble, frame.StartCode1, frame.StartCode2,
			0x01, 0xFF, frame.ErrorTFI, 0x81, frame.Postamble})
	}
}
