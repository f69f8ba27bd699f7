package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame type tags (spec.md §6).
const (
	FrameTypePlain  byte = 0x20 // pre-handshake, length-prefixed plaintext
	FrameTypeAuthed byte = 0x30 // post-handshake, authenticated
)

// MaxFrameSize bounds the declared payload size of any frame this service
// will read, independent of the per-verb body schema — a defense against a
// peer declaring an absurd size before any bytes arrive.
const MaxFrameSize = 10 * 1024 * 1024

var (
	ErrFrameTooLarge  = errors.New("wire: declared frame size exceeds limit")
	ErrTruncatedFrame = errors.New("wire: short read for declared frame size")
	ErrBadFrameType   = errors.New("wire: unexpected frame type")
)

// ReadPlainFrame reads a pre-handshake frame: type(1) | size(4 BE) | payload.
// The caller supplies the frame type it expects (the first client frame must
// be FrameTypePlain; anything else is a protocol error per spec.md §6).
func ReadPlainFrame(r io.Reader, wantType byte) ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != wantType {
		return nil, ErrBadFrameType
	}
	size := binary.BigEndian.Uint32(hdr[1:5])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return payload, nil
}

// WritePlainFrame writes a pre-handshake frame.
func WritePlainFrame(w io.Writer, frameType byte, payload []byte) error {
	hdr := make([]byte, 5, 5+len(payload))
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	_, err := w.Write(append(hdr, payload...))
	return err
}

// AuthedFrameHeader is the 13-byte type(1) | size(4 BE) | iv(8 BE) prefix
// of a post-handshake frame; the mac(macSize) field that follows it on the
// wire is written and checked by internal/cryptosuite. Exported so
// internal/cryptosuite can compute the MAC over the same byte layout it
// reads/writes.
type AuthedFrameHeader struct {
	Type byte
	Size uint32
	IV   uint64
}

// EncodeAuthedHeader serializes type||size||iv into the buffer the MAC
// will be computed over and the frame will be prefixed with.
func EncodeAuthedHeader(h AuthedFrameHeader) []byte {
	buf := make([]byte, 13)
	buf[0] = h.Type
	binary.BigEndian.PutUint32(buf[1:5], h.Size)
	binary.BigEndian.PutUint64(buf[5:13], h.IV)
	return buf
}

// DecodeAuthedHeader parses the 13-byte type||size||iv prefix.
func DecodeAuthedHeader(buf []byte) (AuthedFrameHeader, error) {
	if len(buf) < 13 {
		return AuthedFrameHeader{}, ErrTruncatedFrame
	}
	return AuthedFrameHeader{
		Type: buf[0],
		Size: binary.BigEndian.Uint32(buf[1:5]),
		IV:   binary.BigEndian.Uint64(buf[5:13]),
	}, nil
}

// CommandRequest is the decoded shape of a post-handshake client request
// body: req_id(4 BE) | offset(4 BE) | body... (spec.md §4.4, §6).
type CommandRequest struct {
	Verb   Verb
	Offset uint32
	Body   []byte
}

// DecodeCommandRequest parses a decrypted, authenticated plaintext into a
// CommandRequest. Fewer than 8 bytes cannot hold req_id and offset, so that
// input returns an error instead of a CommandRequest; body length checks
// against the verb's schema are left to the router.
func DecodeCommandRequest(plain []byte) (CommandRequest, error) {
	if len(plain) < 8 {
		return CommandRequest{}, fmt.Errorf("wire: command request too short (%d bytes)", len(plain))
	}
	return CommandRequest{
		Verb:   Verb(binary.BigEndian.Uint32(plain[0:4])),
		Offset: binary.BigEndian.Uint32(plain[4:8]),
		Body:   plain[8:],
	}, nil
}

// EncodeCommandRequest serializes a CommandRequest to its plaintext wire
// form. Used both for genuine client requests in tests and for the
// instance pushing an extended_api_clientreq envelope onto a sentinel
// connection (spec.md §4.7).
func EncodeCommandRequest(r CommandRequest) []byte {
	out := make([]byte, 8, 8+len(r.Body))
	binary.BigEndian.PutUint32(out[0:4], uint32(r.Verb))
	binary.BigEndian.PutUint32(out[4:8], r.Offset)
	return append(out, r.Body...)
}

// CommandResponse is the encoded shape of a post-handshake response body:
// req_id(4 BE, echoed) | status(4 BE) | offset(4 BE, echoed) | body...
type CommandResponse struct {
	Verb   Verb
	Status Status
	Offset uint32
	Body   []byte
}

// EncodeCommandResponse serializes a CommandResponse to its plaintext wire
// form, ready to be handed to the crypto session for authed framing.
func EncodeCommandResponse(r CommandResponse) []byte {
	out := make([]byte, 12, 12+len(r.Body))
	binary.BigEndian.PutUint32(out[0:4], uint32(r.Verb))
	binary.BigEndian.PutUint32(out[4:8], uint32(r.Status))
	binary.BigEndian.PutUint32(out[8:12], r.Offset)
	return append(out, r.Body...)
}
