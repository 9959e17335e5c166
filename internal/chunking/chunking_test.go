package chunking

import (
	"bytes"
	"io"
	"testing"

	"github.com/graphbolt/godriver/internal/driverrors"
)

func TestChunkedRoundTrip(t *testing.T) {
	sizes := []int{1, 2, 8, 1024, 8192, 65535}
	messages := [][]byte{
		{},
		{0x01},
		bytes.Repeat([]byte{0xAB}, 17),
		bytes.Repeat([]byte{0xCD}, 70000), // exceeds a single chunk regardless of chunkSize
	}

	for _, chunkSize := range sizes {
		for _, msg := range messages {
			var buf bytes.Buffer
			out := NewChunkedOutput(&buf, chunkSize)
			if _, err := out.Write(msg); err != nil {
				t.Fatalf("chunkSize=%d len(msg)=%d: Write: %v", chunkSize, len(msg), err)
			}
			if err := out.WriteMessageTail(); err != nil {
				t.Fatalf("chunkSize=%d len(msg)=%d: WriteMessageTail: %v", chunkSize, len(msg), err)
			}

			in := NewChunkedInput(&buf)
			got, err := io.ReadAll(in)
			if err != nil {
				t.Fatalf("chunkSize=%d len(msg)=%d: ReadAll: %v", chunkSize, len(msg), err)
			}
			if !bytes.Equal(got, msg) {
				t.Fatalf("chunkSize=%d len(msg)=%d: got %d bytes, want %d bytes", chunkSize, len(msg), len(got), len(msg))
			}
			if err := in.ReadMessageTail(); err != nil {
				t.Fatalf("chunkSize=%d len(msg)=%d: ReadMessageTail: %v", chunkSize, len(msg), err)
			}
		}
	}
}

func TestChunkedMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	out := NewChunkedOutput(&buf, 8)
	out.Write([]byte("first"))
	out.WriteMessageTail()
	out.Write([]byte("second-message"))
	out.WriteMessageTail()

	in := NewChunkedInput(&buf)
	first, err := io.ReadAll(in)
	if err != nil || string(first) != "first" {
		t.Fatalf("first message: got %q, err %v", first, err)
	}
	if err := in.ReadMessageTail(); err != nil {
		t.Fatalf("first tail: %v", err)
	}

	second, err := io.ReadAll(in)
	if err != nil || string(second) != "second-message" {
		t.Fatalf("second message: got %q, err %v", second, err)
	}
	if err := in.ReadMessageTail(); err != nil {
		t.Fatalf("second tail: %v", err)
	}
}

func TestReadMessageTailRejectsUnconsumedChunk(t *testing.T) {
	var buf bytes.Buffer
	out := NewChunkedOutput(&buf, 1024)
	out.Write([]byte("hello"))
	out.WriteMessageTail()

	in := NewChunkedInput(&buf)
	// Don't drain the message; ask for the tail immediately.
	small := make([]byte, 1)
	if _, err := in.Read(small); err != nil {
		t.Fatalf("partial Read: %v", err)
	}
	if err := in.ReadMessageTail(); !driverrors.Is(err, driverrors.Protocol) {
		t.Fatalf("ReadMessageTail on unconsumed chunk: got %v, want Protocol error", err)
	}
}

func TestFlushEmitsNonTerminalChunk(t *testing.T) {
	var buf bytes.Buffer
	out := NewChunkedOutput(&buf, 1024)
	out.Write([]byte("partial"))
	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// No zero-length terminator has been written, so the flushed chunk's
	// seven payload bytes read back as "partial".
	in := NewChunkedInput(&buf)
	got := make([]byte, 7)
	if _, err := io.ReadFull(in, got); err != nil {
		t.Fatalf("reading flushed chunk: %v", err)
	}
	if string(got) != "partial" {
		t.Fatalf("got %q, want %q", got, "partial")
	}
}
