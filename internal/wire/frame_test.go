package wire

import (
	"bytes"
	"testing"
)

func TestPlainFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("handshake request body")
	if err := WritePlainFrame(&buf, FrameTypePlain, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadPlainFrame(&buf, FrameTypePlain)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadPlainFrameRejectsWrongType(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePlainFrame(&buf, FrameTypeAuthed, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPlainFrame(&buf, FrameTypePlain); err != ErrBadFrameType {
		t.Fatalf("got %v, want ErrBadFrameType", err)
	}
}

func TestReadPlainFrameRejectsOversizeDeclaration(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 5)
	hdr[0] = FrameTypePlain
	hdr[1], hdr[2], hdr[3], hdr[4] = 0xff, 0xff, 0xff, 0xff
	buf.Write(hdr)
	if _, err := ReadPlainFrame(&buf, FrameTypePlain); err != ErrFrameTooLarge {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestCommandRequestRoundTrip(t *testing.T) {
	want := CommandRequest{Verb: VerbBlockGet, Offset: 11, Body: []byte{1, 2, 3}}
	plain := make([]byte, 0, 11)
	plain = append(plain, EncodeCommandRequest(want)...)

	got, err := DecodeCommandRequest(plain)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Verb != want.Verb || got.Offset != want.Offset || !bytes.Equal(got.Body, want.Body) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeCommandRequestTooShort(t *testing.T) {
	if _, err := DecodeCommandRequest([]byte{1, 2, 3}); err == nil {
		t.Fatalf("decoding a too-short command request should fail")
	}
}

func TestCommandResponseEncoding(t *testing.T) {
	resp := CommandResponse{Verb: VerbStatusGet, Status: StatusNotFound, Offset: 4, Body: []byte("x")}
	out := EncodeCommandResponse(resp)
	if len(out) != 12+1 {
		t.Fatalf("encoded length = %d, want 13", len(out))
	}
}

func TestAuthedHeaderRoundTrip(t *testing.T) {
	hdr := AuthedFrameHeader{Type: FrameTypeAuthed, Size: 256, IV: 7}
	buf := EncodeAuthedHeader(hdr)
	got, err := DecodeAuthedHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != hdr {
		t.Fatalf("got %+v, want %+v", got, hdr)
	}
}
