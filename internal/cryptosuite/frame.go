package cryptosuite

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"agentproto/internal/wire"
)

// Session holds the per-direction key material and IV counters for one
// connection's post-handshake traffic (spec.md §3 "Connection" ephemeral
// fields, §4.1). connstate.Conn holds it through its Session field rather
// than duplicating these fields, so the IV-monotonicity invariant (spec.md §8 property 1) has a
// single point of enforcement.
type Session struct {
	Key      []byte // session shared secret, also the stream-cipher key
	ClientIV uint64 // next IV expected from the client
	ServerIV uint64 // next IV this side will use to write
}

var (
	// ErrMAC signals a MAC mismatch: spec.md requires silent connection
	// termination, never an error frame, on this condition.
	ErrMAC = errors.New("cryptosuite: mac verification failed")
	// ErrBadFrameType signals a non-authed frame type post-handshake.
	ErrBadFrameType = errors.New("cryptosuite: unexpected frame type post-handshake")
	ErrIVMismatch   = errors.New("cryptosuite: iv out of sequence")
)

// WriteAuthed encrypts and MACs plaintext, writing one frame to w, and
// advances s.ServerIV (spec.md §4.1 write_authed contract).
func (s *Session) WriteAuthed(w io.Writer, plaintext []byte) error {
	iv := s.ServerIV
	ciphertext := make([]byte, len(plaintext))
	if err := streamXOR(s.Key, iv, ciphertext, plaintext); err != nil {
		return err
	}
	hdr := wire.EncodeAuthedHeader(wire.AuthedFrameHeader{
		Type: wire.FrameTypeAuthed,
		Size: uint32(len(plaintext)),
		IV:   iv,
	})
	mac := hmac.New(sha256.New, s.Key)
	mac.Write(hdr)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	frame := make([]byte, 0, len(hdr)+len(tag)+len(ciphertext))
	frame = append(frame, hdr...)
	frame = append(frame, tag...)
	frame = append(frame, ciphertext...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("cryptosuite: write authed frame: %w", err)
	}
	s.ServerIV = iv + 1
	return nil
}

// ReadAuthed reads one authed frame from r, verifies type/MAC/IV, decrypts
// it and advances s.ClientIV (spec.md §4.1 read_authed contract). Any MAC
// mismatch or out-of-sequence IV returns a sentinel error the caller must
// treat as fatal — close the connection, no error frame (spec.md §4.1).
func (s *Session) ReadAuthed(r io.Reader) ([]byte, error) {
	hdrBuf := make([]byte, 13)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := wire.DecodeAuthedHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != wire.FrameTypeAuthed {
		return nil, ErrBadFrameType
	}
	if hdr.Size > wire.MaxFrameSize {
		return nil, wire.ErrFrameTooLarge
	}

	tag := make([]byte, MACSize)
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTruncatedFrame, err)
	}
	ciphertext := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTruncatedFrame, err)
	}

	mac := hmac.New(sha256.New, s.Key)
	mac.Write(hdrBuf)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrMAC
	}

	if hdr.IV != s.ClientIV {
		return nil, ErrIVMismatch
	}

	plaintext := make([]byte, len(ciphertext))
	if err := streamXOR(s.Key, hdr.IV, plaintext, ciphertext); err != nil {
		return nil, err
	}
	s.ClientIV = hdr.IV + 1
	return plaintext, nil
}
