// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

const sampleStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
	"data: [DONE]\n\n"

// =============================================================================
// TEST HELPERS
// =============================================================================

// chunkedReader returns its input in fixed pieces, one per Read.
type chunkedReader struct {
	chunks []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

// blockingReader delivers its prefix and then blocks until closed.
type blockingReader struct {
	prefix string
	once   sync.Once
	closed chan struct{}
}

func newBlockingReader(prefix string) *blockingReader {
	return &blockingReader{prefix: prefix, closed: make(chan struct{})}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if r.prefix != "" {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	<-r.closed
	return 0, errors.New("read on closed body")
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func collectAll(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for delta, err := range d.Deltas() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, delta)
	}
	return out
}

func equalDeltas(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// DECODING TESTS
// =============================================================================

func TestDecoder_Sample(t *testing.T) {
	d := NewDecoder(strings.NewReader(sampleStream))

	first, err := d.Next()
	if err != nil || first != "Hi" {
		t.Fatalf("first delta = %q, %v; want \"Hi\"", first, err)
	}
	second, err := d.Next()
	if err != nil || second != " there" {
		t.Fatalf("second delta = %q, %v; want \" there\"", second, err)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after [DONE], got %v", err)
	}
	// Finished decoders keep reporting the same result.
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on repeated call, got %v", err)
	}

	stats := d.Stats()
	if !stats.SawDone {
		t.Error("SawDone should be true")
	}
	if stats.Deltas != 2 {
		t.Errorf("Deltas = %d, want 2", stats.Deltas)
	}
	if stats.ContentBytes != len("Hi there") {
		t.Errorf("ContentBytes = %d, want %d", stats.ContentBytes, len("Hi there"))
	}
	if stats.FirstDeltaAt.IsZero() {
		t.Error("FirstDeltaAt should be set")
	}
}

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	want := []string{"Hi", " there"}

	for split := 0; split <= len(sampleStream); split++ {
		r := &chunkedReader{chunks: []string{sampleStream[:split], sampleStream[split:]}}
		got := collectAll(t, NewDecoder(r))
		if !equalDeltas(got, want) {
			t.Fatalf("split at %d: got %q, want %q", split, got, want)
		}
	}

	got := collectAll(t, NewDecoder(iotest.OneByteReader(strings.NewReader(sampleStream))))
	if !equalDeltas(got, want) {
		t.Fatalf("byte-by-byte: got %q, want %q", got, want)
	}

	got = collectAll(t, NewDecoder(iotest.HalfReader(strings.NewReader(sampleStream))))
	if !equalDeltas(got, want) {
		t.Fatalf("half reads: got %q, want %q", got, want)
	}
}

func TestDecoder_SkipsCommentsAndBlankLines(t *testing.T) {
	input := ": keep-alive\n\n" +
		"event: message\n" +
		"id: 7\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
		"data: [DONE]\n\n"

	got := collectAll(t, NewDecoder(strings.NewReader(input)))
	if !equalDeltas(got, []string{"a", "b"}) {
		t.Fatalf("got %q, want [a b]", got)
	}
}

func TestDecoder_CRLF(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\n" +
		"data: [DONE]\r\n\r\n"

	got := collectAll(t, NewDecoder(strings.NewReader(input)))
	if !equalDeltas(got, []string{"x"}) {
		t.Fatalf("got %q, want [x]", got)
	}
}

func TestDecoder_DropsMalformedPayloads(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: {not json\n\n" +
		"data: {\"choices\":[{\"delta\":{}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n" +
		"data: [DONE]\n\n"

	d := NewDecoder(strings.NewReader(input))
	got := collectAll(t, d)
	if !equalDeltas(got, []string{"ok", "!"}) {
		t.Fatalf("got %q, want [ok !]", got)
	}
	if d.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", d.Stats().Dropped)
	}
}

func TestDecoder_DoneIgnoresTrailingData(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: [DONE]\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"

	got := collectAll(t, NewDecoder(strings.NewReader(input)))
	if !equalDeltas(got, []string{"a"}) {
		t.Fatalf("got %q, want [a]", got)
	}
}

func TestDecoder_EndOfDataWithoutDone(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}"

	d := NewDecoder(strings.NewReader(input))
	got := collectAll(t, d)
	if !equalDeltas(got, []string{"a", "b"}) {
		t.Fatalf("got %q, want [a b]", got)
	}
	if d.Stats().SawDone {
		t.Error("SawDone should be false without the sentinel")
	}
}

func TestDecoder_EmptyInput(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestDecoder_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"part\"}}]}\n\n"),
		iotest.ErrReader(boom),
	)

	content, err := Collect(NewDecoder(src))
	if content != "part" {
		t.Errorf("partial content = %q, want \"part\"", content)
	}
	if !IsTransportError(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected error to wrap %v", boom)
	}
	var te *TransportError
	if errors.As(err, &te) && te.Received != len("part") {
		t.Errorf("Received = %d, want %d", te.Received, len("part"))
	}
}

func TestDecoder_TransportErrorRepeats(t *testing.T) {
	d := NewDecoder(iotest.ErrReader(errors.New("down")))
	_, first := d.Next()
	_, second := d.Next()
	if first == nil || first != second {
		t.Fatalf("expected the same error twice, got %v and %v", first, second)
	}
}

func TestDecoder_IdleTimeout(t *testing.T) {
	src := newBlockingReader("data: {\"choices\":[{\"delta\":{\"content\":\"slow\"}}]}\n\n")
	d := NewDecoder(src, WithIdleTimeout(50*time.Millisecond))

	done := make(chan struct{})
	var content string
	var err error
	go func() {
		content, err = Collect(d)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("decoder did not time out")
	}

	if content != "slow" {
		t.Errorf("partial content = %q, want \"slow\"", content)
	}
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
	if !IsTransportError(err) {
		t.Error("idle timeout should surface as a TransportError")
	}
}

// lateReader returns its data from the first Read only after delay, and
// ignores Close the way a body with buffered bytes does.
type lateReader struct {
	data  string
	delay time.Duration
	reads int
}

func (r *lateReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads > 1 {
		return 0, io.EOF
	}
	time.Sleep(r.delay)
	return copy(p, r.data), nil
}

func (r *lateReader) Close() error { return nil }

func TestDecoder_IdleTimeoutKeepsBytesFromClosingRead(t *testing.T) {
	src := &lateReader{
		data:  "data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n",
		delay: 100 * time.Millisecond,
	}
	d := NewDecoder(src, WithIdleTimeout(10*time.Millisecond))

	delta, err := d.Next()
	if err != nil || delta != "late" {
		t.Fatalf("Next() = %q, %v; want \"late\"", delta, err)
	}
	if _, err := d.Next(); !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout after the source was closed, got %v", err)
	}
	if src.reads != 1 {
		t.Errorf("source read %d times after being closed, want 1", src.reads)
	}
}

func TestDecoder_LineTooLong(t *testing.T) {
	input := "data: " + strings.Repeat("x", 256)
	d := NewDecoder(strings.NewReader(input), WithMaxLineSize(64))

	_, err := d.Next()
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestDecoder_DeltasStopsEarly(t *testing.T) {
	d := NewDecoder(strings.NewReader(sampleStream))
	for delta := range d.Deltas() {
		if delta != "Hi" {
			t.Fatalf("first delta = %q", delta)
		}
		break
	}
	next, err := d.Next()
	if err != nil || next != " there" {
		t.Fatalf("resumed delta = %q, %v", next, err)
	}
}

func TestTransportError_Message(t *testing.T) {
	err := &TransportError{Err: errors.New("eof")}
	if !strings.Contains(err.Error(), "eof") {
		t.Errorf("message %q should include cause", err.Error())
	}
	err.Received = 12
	if !strings.Contains(err.Error(), "12 bytes") {
		t.Errorf("message %q should include received count", err.Error())
	}
}
