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
	"bytes"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used to report skipped payloads.
func WithLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMalformedHook registers a function invoked for every skipped payload.
// The session controller uses it to count decode errors.
func WithMalformedHook(hook func(error)) DecoderOption {
	return func(d *Decoder) {
		d.onMalformed = hook
	}
}

// Decoder turns arbitrary byte chunks into frames.
//
// # Description
//
// Decoder buffers bytes across Feed calls and only converts complete lines
// to text. Because a newline byte can never occur inside a multi-byte UTF-8
// sequence, a character split across two chunks is reassembled before it is
// ever decoded, which is what makes the decoder chunk-boundary safe.
//
// Once the terminal sentinel has been seen the decoder is finished: further
// Feed and Finish calls return nothing and any buffered bytes are dropped.
//
// # Thread Safety
//
// Not safe for concurrent use. One Decoder belongs to one stream.
//
// # Examples
//
//	dec := NewDecoder()
//	frames := dec.Feed([]byte("data: {\"type\":\"text\",\"con"))
//	// frames is empty, the line is incomplete
//	frames = dec.Feed([]byte("tent\":\"Hi\"}\n"))
//	// frames == []Frame{Text("Hi")}
type Decoder struct {
	buf         []byte
	done        bool
	malformed   int
	logger      *slog.Logger
	onMalformed func(error)
}

// NewDecoder creates a Decoder for a single stream.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends a chunk and returns the frames completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	start := 0
	for !d.done {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		frames = d.consume(d.buf[start:start+i], frames)
		start += i + 1
	}

	if d.done {
		d.buf = nil
		return frames
	}
	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}
	return frames
}

// Finish flushes a final line that was not newline-terminated. Call it once
// the underlying reader reports EOF.
func (d *Decoder) Finish() []Frame {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := d.buf
	d.buf = nil
	return d.consume(line, nil)
}

// Done reports whether the terminal sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Malformed returns how many payloads were skipped so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

// Buffered returns the number of bytes held back for the next chunk.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) consume(raw []byte, frames []Frame) []Frame {
	line := string(raw)
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, string(utf8.RuneError))
	}

	frame, ok, err := ParseLine(line)
	if err != nil {
		d.malformed++
		d.logger.Warn("skipping malformed stream payload",
			"error", err,
			"line_length", len(line),
		)
		if d.onMalformed != nil {
			d.onMalformed(err)
		}
		return frames
	}
	if !ok {
		return frames
	}
	if frame.Kind == FrameDone {
		d.done = true
	}
	return append(frames, frame)
}
