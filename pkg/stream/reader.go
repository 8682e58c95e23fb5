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
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 4096

// Handler receives frames in arrival order. Returning an error stops the read.
type Handler func(Frame) error

// Summary describes how a Read call ended.
//
// # Fields
//
//   - Frames: Frames delivered to the handler.
//   - Malformed: Payloads skipped by the decoder.
//   - SawDone: True when the terminal sentinel was decoded.
//   - Bytes: Total bytes read from the source.
type Summary struct {
	Frames    int
	Malformed int
	SawDone   bool
	Bytes     int64
}

// Reader drives a Decoder over an io.Reader.
//
// # Description
//
// Reader reads fixed-size chunks, feeds them to a fresh Decoder, and invokes
// the handler once per frame. Awaiting the next chunk is the only blocking
// point; context cancellation is checked before every read and before every
// frame delivery, so a cancelled stream stops producing frames within one
// chunk boundary.
//
// # Thread Safety
//
// Reader holds only configuration and may be shared. Each Read call owns its
// own Decoder.
type Reader struct {
	chunkSize int
	opts      []DecoderOption
}

// NewReader creates a Reader. A chunkSize <= 0 selects DefaultChunkSize.
//
// # Examples
//
//	reader := NewReader(0, WithLogger(logger))
//	summary, err := reader.Read(ctx, resp.Body, func(f Frame) error {
//	    fmt.Print(f.Content)
//	    return nil
//	})
func NewReader(chunkSize int, opts ...DecoderOption) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{chunkSize: chunkSize, opts: opts}
}

// Read consumes r until the terminal frame, EOF, a handler error, or ctx
// cancellation.
//
// # Outputs
//
//   - Summary: Counters for the stream, filled in even on error.
//   - error: nil on Done or clean EOF. ctx.Err() when cancelled, the transport
//     error when the source fails, or the handler's error.
//
// # Limitations
//
//   - EOF without the sentinel is not an error here; Summary.SawDone tells the
//     caller whether the stream was terminated properly.
func (r *Reader) Read(ctx context.Context, src io.Reader, handle Handler) (Summary, error) {
	dec := NewDecoder(r.opts...)
	buf := make([]byte, r.chunkSize)
	var summary Summary

	deliver := func(frames []Frame) (bool, error) {
		for _, f := range frames {
			if err := ctx.Err(); err != nil {
				return true, err
			}
			summary.Frames++
			if err := handle(f); err != nil {
				return true, err
			}
			if f.IsTerminal() {
				summary.SawDone = true
				return true, nil
			}
		}
		return false, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			summary.Malformed = dec.Malformed()
			return summary, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			summary.Bytes += int64(n)
			stop, err := deliver(dec.Feed(buf[:n]))
			if stop {
				summary.Malformed = dec.Malformed()
				return summary, err
			}
		}

		if errors.Is(readErr, io.EOF) {
			_, err := deliver(dec.Finish())
			summary.Malformed = dec.Malformed()
			return summary, err
		}
		if readErr != nil {
			summary.Malformed = dec.Malformed()
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			return summary, readErr
		}
	}
}
