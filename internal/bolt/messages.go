package bolt

import (
	"github.com/graphbolt/godriver/internal/chunking"
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/packstream"
)

// Message signature bytes, client->server and server->client.
const (
	sigInit       byte = 0x01
	sigRun        byte = 0x10
	sigPullAll    byte = 0x3F
	sigDiscardAll byte = 0x2F
	sigReset      byte = 0x0F
	sigAckFailure byte = 0x0E

	sigSuccess byte = 0x70
	sigRecord  byte = 0x71
	sigIgnored byte = 0x7E
	sigFailure byte = 0x7F
)

// ResponseHandler receives the decoded body of whichever server
// message MessageFormat.Read dispatches to. Exactly one of the four
// methods is called per message read.
type ResponseHandler interface {
	OnSuccess(metadata map[string]any) error
	OnRecord(fields []any) error
	OnIgnored() error
	OnFailure(code, message string) error
}

// clientMessage is any of the six messages a driver sends; Write
// asks it for its signature byte and fields to build the struct.
type clientMessage interface {
	signature() byte
	fields() []any
}

type initMessage struct {
	ClientName string
	AuthToken  map[string]any
}

func (initMessage) signature() byte { return sigInit }
func (m initMessage) fields() []any { return []any{m.ClientName, propsMap(m.AuthToken)} }

type runMessage struct {
	Statement  string
	Parameters map[string]any
}

func (runMessage) signature() byte { return sigRun }
func (m runMessage) fields() []any { return []any{m.Statement, propsMap(m.Parameters)} }

type pullAllMessage struct{}

func (pullAllMessage) signature() byte { return sigPullAll }
func (pullAllMessage) fields() []any   { return nil }

type discardAllMessage struct{}

func (discardAllMessage) signature() byte { return sigDiscardAll }
func (discardAllMessage) fields() []any   { return nil }

type resetMessage struct{}

func (resetMessage) signature() byte { return sigReset }
func (resetMessage) fields() []any   { return nil }

type ackFailureMessage struct{}

func (ackFailureMessage) signature() byte { return sigAckFailure }
func (ackFailureMessage) fields() []any   { return nil }

// MessageFormat writes and reads domain messages on top of a chunked
// PackStream stream. AllowBytes mirrors the negotiated protocol
// version's byte-support flag onto both directions.
type MessageFormat struct {
	out        *chunking.ChunkedOutput
	in         *chunking.ChunkedInput
	allowBytes bool
}

func NewMessageFormat(out *chunking.ChunkedOutput, in *chunking.ChunkedInput, allowBytes bool) *MessageFormat {
	return &MessageFormat{out: out, in: in, allowBytes: allowBytes}
}

// Write packs msg's fields behind a struct header naming its
// signature and arity, then closes the message.
func (f *MessageFormat) Write(msg clientMessage) error {
	p := packstream.NewPacker(f.out)
	p.AllowBytes = f.allowBytes
	fields := msg.fields()
	p.PackStructHeader(len(fields), msg.signature())
	for _, field := range fields {
		p.Pack(field)
	}
	if err := p.Err(); err != nil {
		return err
	}
	return f.out.WriteMessageTail()
}

// Read reads one server message and dispatches it to handler, then
// consumes the message tail. It is the caller's responsibility to
// know whether the dispatched message is terminal for whatever
// request it answers (SUCCESS/IGNORED/FAILURE are; RECORD is not).
func (f *MessageFormat) Read(handler ResponseHandler) error {
	u := packstream.NewUnpacker(f.in)
	u.AllowBytes = f.allowBytes
	size, sig, err := u.UnpackStructHeader()
	if err != nil {
		return err
	}

	var handleErr error
	switch sig {
	case sigSuccess:
		if size != 1 {
			return driverrors.Protocolf("SUCCESS expects 1 field, got %d", size)
		}
		v, err := u.UnpackValue()
		if err != nil {
			return err
		}
		meta, err := asMap(v)
		if err != nil {
			return err
		}
		handleErr = handler.OnSuccess(meta)

	case sigRecord:
		if size != 1 {
			return driverrors.Protocolf("RECORD expects 1 field, got %d", size)
		}
		v, err := u.UnpackValue()
		if err != nil {
			return err
		}
		fields, err := asList(v)
		if err != nil {
			return err
		}
		decoded := make([]any, len(fields))
		for i, field := range fields {
			dv, err := decodeValue(field)
			if err != nil {
				return err
			}
			decoded[i] = dv
		}
		handleErr = handler.OnRecord(decoded)

	case sigIgnored:
		if size != 0 {
			return driverrors.Protocolf("IGNORED expects 0 fields, got %d", size)
		}
		handleErr = handler.OnIgnored()

	case sigFailure:
		if size != 1 {
			return driverrors.Protocolf("FAILURE expects 1 field, got %d", size)
		}
		v, err := u.UnpackValue()
		if err != nil {
			return err
		}
		m, err := asMap(v)
		if err != nil {
			return err
		}
		code, _ := m["code"].(string)
		message, _ := m["message"].(string)
		handleErr = handler.OnFailure(code, message)

	default:
		return driverrors.Protocolf("unexpected message signature 0x%02X", sig)
	}

	if err := f.in.ReadMessageTail(); err != nil {
		return err
	}
	return handleErr
}
