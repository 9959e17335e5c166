// Package chunking implements the length-framed chunking layer Bolt
// wraps every message in: each message is split into one or more
// chunks, each chunk a 2-byte big-endian length header followed by
// that many payload bytes, with a zero-length chunk marking the end
// of the message. The split points are invisible to PackStream; a
// single packed value may straddle a chunk boundary.
//
// The buffering/flush-on-threshold shape is grounded on the teacher's
// chunked stream handling in internal/server/assembler.go and
// internal/server/chunkbuffer.go; the read-loop idiom (io.ReadFull,
// fmt.Errorf wrapping) is grounded on internal/protocol/reader.go.
package chunking

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/graphbolt/godriver/internal/driverrors"
)

// MaxChunkSize is the largest payload a single chunk may carry; the
// 2-byte length header caps it at 65535 regardless.
const MaxChunkSize = 65535

// ChunkedOutput buffers message bytes and slices them into Bolt chunks
// on Flush/WriteMessageTail, using chunkSize as the target chunk
// payload length. Writes beyond chunkSize accumulate across multiple
// chunks transparently.
type ChunkedOutput struct {
	w         io.Writer
	chunkSize int
	buf       []byte
	err       error
}

func NewChunkedOutput(w io.Writer, chunkSize int) *ChunkedOutput {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &ChunkedOutput{w: w, chunkSize: chunkSize}
}

// Err returns the first error encountered by Write/Flush/WriteMessageTail.
func (c *ChunkedOutput) Err() error {
	return c.err
}

// Write appends p to the pending message buffer, flushing full chunks
// to the underlying writer as the buffer crosses chunkSize. It never
// itself writes the terminating zero-length chunk; call
// WriteMessageTail for that.
func (c *ChunkedOutput) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.buf = append(c.buf, p...)
	for len(c.buf) >= c.chunkSize {
		if err := c.writeChunk(c.buf[:c.chunkSize]); err != nil {
			return 0, err
		}
		c.buf = c.buf[c.chunkSize:]
	}
	return len(p), nil
}

// WriteMessageTail flushes any remaining buffered bytes as a final
// chunk (if non-empty) and then writes the zero-length terminator
// chunk that marks the end of the message.
func (c *ChunkedOutput) WriteMessageTail() error {
	if c.err != nil {
		return c.err
	}
	if len(c.buf) > 0 {
		if err := c.writeChunk(c.buf); err != nil {
			return err
		}
		c.buf = c.buf[:0]
	}
	return c.writeChunk(nil)
}

func (c *ChunkedOutput) writeChunk(payload []byte) error {
	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, uint16(len(payload)))
	if _, err := c.w.Write(hdr); err != nil {
		c.err = fmt.Errorf("writing chunk header: %w", err)
		return c.err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.w.Write(payload); err != nil {
		c.err = fmt.Errorf("writing chunk payload: %w", err)
		return c.err
	}
	return nil
}

// Flush forces any bytes buffered so far out as a non-terminal chunk,
// without ending the message. Connection calls it before reading
// responses so that every buffered byte has reached the wire.
func (c *ChunkedOutput) Flush() error {
	if c.err != nil {
		return c.err
	}
	if len(c.buf) == 0 {
		return nil
	}
	if err := c.writeChunk(c.buf); err != nil {
		return err
	}
	c.buf = c.buf[:0]
	return nil
}

// ChunkedInput presents a sequence of Bolt-chunked messages as a plain
// byte stream: reads are transparent across chunk boundaries, and
// ReadMessageTail consumes the zero-length terminator chunk that ends
// the current message.
type ChunkedInput struct {
	r          *bufio.Reader
	remaining  int  // bytes left in the current chunk; -1 means "need a new chunk header"
	terminated bool // the zero-length terminator chunk has already been read off the wire
}

func NewChunkedInput(r io.Reader) *ChunkedInput {
	return &ChunkedInput{r: bufio.NewReader(r), remaining: -1}
}

// Read implements io.Reader, pulling chunk headers as needed and
// returning io.EOF at the end of the current message. The terminator
// chunk is consumed to detect that end, and this is remembered so
// ReadMessageTail doesn't try to read a second one.
func (c *ChunkedInput) Read(p []byte) (int, error) {
	if c.terminated {
		return 0, io.EOF
	}
	if c.remaining == -1 {
		n, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			c.terminated = true
			return 0, io.EOF
		}
		c.remaining = n
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := io.ReadFull(c.r, p)
	if err != nil {
		return n, fmt.Errorf("reading chunk payload: %w", err)
	}
	c.remaining -= n
	if c.remaining == 0 {
		c.remaining = -1
	}
	return n, nil
}

func (c *ChunkedInput) readChunkHeader() (int, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		return 0, fmt.Errorf("reading chunk header: %w", err)
	}
	return int(binary.BigEndian.Uint16(hdr)), nil
}

// ReadMessageTail consumes the zero-length terminator chunk ending the
// current message. It is a Protocol error for the stream to offer
// anything other than a zero-length chunk here — it means the caller
// stopped reading a message before consuming all of its chunks.
func (c *ChunkedInput) ReadMessageTail() error {
	if c.terminated {
		c.terminated = false
		c.remaining = -1
		return nil
	}
	if c.remaining != -1 {
		return driverrors.Protocolf("message not fully consumed before reading its tail: %d bytes remain in current chunk", c.remaining)
	}
	n, err := c.readChunkHeader()
	if err != nil {
		return err
	}
	if n != 0 {
		return driverrors.Protocolf("expected terminator chunk, got chunk of length %d", n)
	}
	return nil
}
