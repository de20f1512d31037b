// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/tidwall/gjson"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultContentPath locates the incremental text inside a chunk record.
	DefaultContentPath = "choices.0.delta.content"

	// MaxLineSize bounds a single undelimited line (1MB).
	MaxLineSize = 1024 * 1024

	// DoneSentinel is the payload that ends a completion stream.
	DoneSentinel = "[DONE]"

	readChunkSize = 4096
)

var (
	dataPrefix = []byte("data:")
	doneBytes  = []byte(DoneSentinel)
)

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Decoder.
type Option func(*Decoder)

// WithIdleTimeout fails the stream with ErrIdleTimeout when the source stays
// silent for d. The source is closed when it implements io.Closer, which is
// what unblocks a pending read on an HTTP body. Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(dec *Decoder) {
		dec.idleTimeout = d
	}
}

// WithMaxLineSize overrides MaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(dec *Decoder) {
		if n > 0 {
			dec.maxLine = n
		}
	}
}

// =============================================================================
// STATS
// =============================================================================

// Stats counts what the decoder has seen so far.
type Stats struct {
	Lines        int       // complete lines processed
	Deltas       int       // deltas yielded
	ContentBytes int       // bytes of delta text yielded
	Dropped      int       // data payloads discarded as malformed
	FirstDeltaAt time.Time // zero until the first delta
	SawDone      bool      // stream ended with the [DONE] sentinel
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns an event-stream byte source into a lazy, finite,
// non-restartable sequence of text deltas. It is not safe for concurrent use.
type Decoder struct {
	src         io.Reader
	maxLine     int
	idleTimeout time.Duration

	carry   []byte   // bytes after the last newline
	readBuf []byte   // scratch space for reads
	pending []string // decoded deltas not yet handed out

	finished bool
	err      error // io.EOF or *TransportError once finished

	srcClosed bool // the idle timer closed the source
	stats     Stats
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		src:     r,
		maxLine: MaxLineSize,
		readBuf: make([]byte, readChunkSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next delta. It returns io.EOF once the stream ended
// normally (sentinel or end of data) and a *TransportError when the source
// failed. After the first non-nil error every call returns that error again.
func (d *Decoder) Next() (string, error) {
	for {
		if len(d.pending) > 0 {
			delta := d.pending[0]
			d.pending[0] = ""
			d.pending = d.pending[1:]
			return delta, nil
		}
		if d.finished {
			return "", d.err
		}
		d.fill()
	}
}

// Deltas adapts Next to a range-over-func sequence. The sequence stops after
// yielding a transport error; normal termination yields no error.
func (d *Decoder) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			delta, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Stats returns a copy of the decoder counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// fill performs one read from the source and decodes every complete line.
func (d *Decoder) fill() {
	n, err := d.read()
	if n > 0 {
		d.carry = append(d.carry, d.readBuf[:n]...)
		d.drainLines()
		if d.finished {
			return
		}
		if len(d.carry) > d.maxLine {
			d.fail(ErrLineTooLong)
			return
		}
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, io.EOF):
		// A final line without a trailing newline is still a line.
		if len(d.carry) > 0 {
			line := d.carry
			d.carry = nil
			if d.handleLine(line) {
				return
			}
		}
		d.finish(io.EOF)
	default:
		d.fail(err)
	}
}

// read wraps a single source read with the idle timer.
func (d *Decoder) read() (int, error) {
	if d.srcClosed {
		return 0, ErrIdleTimeout
	}
	if d.idleTimeout <= 0 {
		return d.src.Read(d.readBuf)
	}
	timer := time.AfterFunc(d.idleTimeout, d.closeSource)
	n, err := d.src.Read(d.readBuf)
	if timer.Stop() {
		return n, err
	}

	// The timer fired, so the source is closed or closing. Bytes this read
	// returned are kept; nothing can be read after them.
	d.srcClosed = true
	switch {
	case errors.Is(err, io.EOF):
		return n, err
	case n > 0:
		return n, nil
	default:
		return 0, ErrIdleTimeout
	}
}

func (d *Decoder) closeSource() {
	if c, ok := d.src.(io.Closer); ok {
		c.Close()
	}
}

// drainLines handles every newline-terminated line in the carry buffer and
// keeps the trailing partial line for the next read.
func (d *Decoder) drainLines() {
	start := 0
	for {
		i := bytes.IndexByte(d.carry[start:], '\n')
		if i < 0 {
			break
		}
		line := d.carry[start : start+i]
		start += i + 1
		if d.handleLine(line) {
			d.carry = nil
			return
		}
	}
	if start > 0 {
		rest := copy(d.carry, d.carry[start:])
		d.carry = d.carry[:rest]
	}
}

// handleLine decodes a single line and reports whether the stream ended.
func (d *Decoder) handleLine(line []byte) bool {
	d.stats.Lines++
	line = bytes.TrimSuffix(line, []byte{'\r'})

	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return false
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(payload, doneBytes) {
		d.stats.SawDone = true
		d.finish(io.EOF)
		return true
	}

	if !gjson.ValidBytes(payload) {
		d.stats.Dropped++
		return false
	}
	res := gjson.GetBytes(payload, DefaultContentPath)
	if res.Type != gjson.String || res.Str == "" {
		return false
	}

	if d.stats.FirstDeltaAt.IsZero() {
		d.stats.FirstDeltaAt = time.Now()
	}
	d.stats.Deltas++
	d.stats.ContentBytes += len(res.Str)
	d.pending = append(d.pending, res.Str)
	return false
}

func (d *Decoder) finish(err error) {
	d.finished = true
	d.err = err
}

func (d *Decoder) fail(err error) {
	d.finish(&TransportError{Received: d.stats.ContentBytes, Err: err})
}

// =============================================================================
// HELPERS
// =============================================================================

// Collect drains the decoder and returns the concatenated content. On a
// transport error the partial content is returned alongside the error.
func Collect(d *Decoder) (string, error) {
	var buf bytes.Buffer
	for delta, err := range d.Deltas() {
		if err != nil {
			return buf.String(), err
		}
		buf.WriteString(delta)
	}
	return buf.String(), nil
}
