// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// EventPrefix marks lines that carry a payload. Everything else is ignored.
	EventPrefix = "data:"

	// DoneSentinel is the literal payload of the terminal record.
	DoneSentinel = "[DONE]"
)

// ErrMalformedPayload is wrapped by ParseLine when a data line carries a
// payload that is neither the sentinel nor a decodable JSON object.
var ErrMalformedPayload = errors.New("malformed stream payload")

// wirePayload mirrors the JSON object the analysis endpoint emits.
type wirePayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ParseLine classifies a single complete line of the stream.
//
// # Description
//
// ParseLine is stateless. It strips a trailing carriage return, ignores any
// line that does not start with EventPrefix (blank separators, comments,
// "event:" or "id:" fields), and decodes the payload of data lines.
//
// # Inputs
//
//   - line: One line without its trailing newline.
//
// # Outputs
//
//   - Frame: The decoded frame, valid only when ok is true.
//   - bool: False when the line carries nothing for the consumer.
//   - error: Wraps ErrMalformedPayload when the JSON payload cannot be
//     decoded. The caller is expected to log and continue.
//
// # Examples
//
//	frame, ok, err := ParseLine(`data: {"type":"text","content":"Hi"}`)
//	// frame == Text("Hi"), ok == true, err == nil
//
//	_, ok, _ = ParseLine(": keep-alive")
//	// ok == false
//
// # Limitations
//
//   - Payloads with an unknown "type" are ignored rather than rejected, so
//     newer servers can add event kinds without breaking older clients.
func ParseLine(line string) (Frame, bool, error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, EventPrefix) {
		return Frame{}, false, nil
	}

	payload := strings.TrimPrefix(line, EventPrefix)
	payload = strings.TrimPrefix(payload, " ")
	if strings.TrimSpace(payload) == "" {
		return Frame{}, false, nil
	}

	if strings.TrimSpace(payload) == DoneSentinel {
		return Done(), true, nil
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return Frame{}, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch FrameKind(wire.Type) {
	case FrameThinking, FrameText, FrameError:
		return Frame{Kind: FrameKind(wire.Type), Content: wire.Content}, true, nil
	default:
		return Frame{}, false, nil
	}
}
