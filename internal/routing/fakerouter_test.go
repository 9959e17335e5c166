package routing

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/graphbolt/godriver/internal/chunking"
	"github.com/graphbolt/godriver/internal/packstream"
)

// serverSpec is the set of servers a fake router's GetRoutingTable
// response describes.
type serverSpec struct {
	role      string
	addresses []string
}

// startFakeRouter runs a minimal one-shot Bolt server on an ephemeral
// localhost port that performs the handshake and then answers exactly
// one RUN/PULL_ALL cycle for the routing procedure, returning either a
// routing-table record built from specs/ttlSeconds or a FAILURE with
// failCode/failMsg if failCode is non-empty. It returns the listener's
// address and a cleanup func.
func startFakeRouter(t *testing.T, specs []serverSpec, ttlSeconds int64, failCode, failMsg string) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serveFakeRouter(conn, specs, ttlSeconds, failCode, failMsg)
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeRouter(conn net.Conn, specs []serverSpec, ttlSeconds int64, failCode, failMsg string) {
	// Handshake: 4-byte preamble, 16-byte version proposal, 4-byte reply.
	preamble := make([]byte, 4)
	if _, err := io.ReadFull(conn, preamble); err != nil {
		return
	}
	proposal := make([]byte, 16)
	if _, err := io.ReadFull(conn, proposal); err != nil {
		return
	}
	reply := make([]byte, 4)
	binary.BigEndian.PutUint32(reply, 1)
	if _, err := conn.Write(reply); err != nil {
		return
	}

	out := chunking.NewChunkedOutput(conn, 8192)
	in := chunking.NewChunkedInput(conn)

	// RUN: read struct header, fields, tail; ignore contents, reply SUCCESS.
	if err := readAndDiscardMessage(in); err != nil {
		return
	}
	if err := writeSuccess(out, packstream.NewMap()); err != nil {
		return
	}

	// PULL_ALL: read struct header, tail; reply RECORD + terminal.
	if err := readAndDiscardMessage(in); err != nil {
		return
	}
	if failCode != "" {
		writeFailure(out, failCode, failMsg)
		return
	}

	serversList := make([]any, len(specs))
	for i, s := range specs {
		addrs := make([]any, len(s.addresses))
		for j, a := range s.addresses {
			addrs[j] = a
		}
		m := packstream.NewMap()
		m.Set("role", s.role)
		m.Set("addresses", addrs)
		serversList[i] = m
	}
	writeRecord(out, []any{ttlSeconds, serversList})
	writeSuccess(out, packstream.NewMap())
}

func readAndDiscardMessage(in *chunking.ChunkedInput) error {
	u := packstream.NewUnpacker(in)
	size, _, err := u.UnpackStructHeader()
	if err != nil {
		return err
	}
	for i := 0; i < size; i++ {
		if _, err := u.UnpackValue(); err != nil {
			return err
		}
	}
	return in.ReadMessageTail()
}

func writeSuccess(out *chunking.ChunkedOutput, meta *packstream.Map) error {
	p := packstream.NewPacker(out)
	p.PackStructHeader(1, 0x70)
	p.Pack(meta)
	if err := p.Err(); err != nil {
		return err
	}
	return out.WriteMessageTail()
}

func writeRecord(out *chunking.ChunkedOutput, fields []any) error {
	p := packstream.NewPacker(out)
	p.PackStructHeader(1, 0x71)
	p.Pack(fields)
	if err := p.Err(); err != nil {
		return err
	}
	return out.WriteMessageTail()
}

func writeFailure(out *chunking.ChunkedOutput, code, message string) error {
	m := packstream.NewMap()
	m.Set("code", code)
	m.Set("message", message)
	p := packstream.NewPacker(out)
	p.PackStructHeader(1, 0x7F)
	p.Pack(m)
	if err := p.Err(); err != nil {
		return err
	}
	return out.WriteMessageTail()
}
