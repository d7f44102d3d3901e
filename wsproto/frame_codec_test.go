// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package wsproto

import (
	"bytes"
	"testing"
)

func TestParseFrameHeaderNeedsTwoBytes(t *testing.T) {
	if _, _, ok := ParseFrameHeader(nil); ok {
		t.Fatal("empty input must be incomplete")
	}
	if _, _, ok := ParseFrameHeader([]byte{0x81}); ok {
		t.Fatal("one byte must be incomplete")
	}
}

func TestParseFrameHeaderShortLengths(t *testing.T) {
	for _, n := range []int{0, 1, 125} {
		raw := []byte{0x81, byte(n)}
		hdr, hlen, ok := ParseFrameHeader(raw)
		if !ok || hlen != 2 || int(hdr.PayloadLen) != n || !hdr.Fin || hdr.Opcode != OpcodeText {
			t.Fatalf("n=%d: hdr=%+v hlen=%d ok=%v", n, hdr, hlen, ok)
		}
	}
}

func TestParseFrameHeaderExtended16(t *testing.T) {
	raw := []byte{0x82, 126, 0}
	if _, _, ok := ParseFrameHeader(raw); ok {
		t.Fatal("missing extended length bytes must be incomplete")
	}
	raw = []byte{0x82, 126, 0xFF, 0xFF}
	hdr, hlen, ok := ParseFrameHeader(raw)
	if !ok || hlen != 4 || hdr.PayloadLen != 65535 {
		t.Fatalf("hdr=%+v hlen=%d ok=%v", hdr, hlen, ok)
	}
}

func TestParseFrameHeaderExtended64(t *testing.T) {
	raw := []byte{0x82, 127, 0, 0, 0, 0, 0, 1, 0, 0}
	hdr, hlen, ok := ParseFrameHeader(raw)
	if !ok || hlen != 10 || hdr.PayloadLen != 65536 {
		t.Fatalf("hdr=%+v hlen=%d ok=%v", hdr, hlen, ok)
	}
}

func TestParseFrameHeaderMaskedAddsFourBytes(t *testing.T) {
	raw := []byte{0x81, 0x85, 0x37, 0xfa, 0x21}
	if _, _, ok := ParseFrameHeader(raw); ok {
		t.Fatal("mask key incomplete")
	}
	raw = append(raw, 0x3d)
	hdr, hlen, ok := ParseFrameHeader(raw)
	if !ok || hlen != 6 || !hdr.Masked || hdr.PayloadLen != 5 {
		t.Fatalf("hdr=%+v hlen=%d ok=%v", hdr, hlen, ok)
	}
}

func TestEncodeDecodeRoundTripLengths(t *testing.T) {
	for _, n := range []int{0, 125, 126, 65535, 65536} {
		out := make([]byte, MaxHeaderLen)
		hlen := EncodeFrameHeader(OpcodeBinary, uint64(n), false, out)

		hdr, parsedLen, ok := ParseFrameHeader(out[:hlen])
		if !ok {
			t.Fatalf("n=%d: encoded header failed to parse", n)
		}
		if parsedLen != hlen {
			t.Fatalf("n=%d: parsed len %d != encoded len %d", n, parsedLen, hlen)
		}
		if int(hdr.PayloadLen) != n {
			t.Fatalf("n=%d: payload len mismatch got %d", n, hdr.PayloadLen)
		}
		if hdr.Opcode != OpcodeBinary || !hdr.Fin || hdr.Masked {
			t.Fatalf("n=%d: unexpected header %+v", n, hdr)
		}
	}
}

func TestEncodeMaskedReservesFourBytes(t *testing.T) {
	out := make([]byte, MaxHeaderLen)
	unmaskedLen := EncodeFrameHeader(OpcodeText, 10, false, out)
	maskedLen := EncodeFrameHeader(OpcodeText, 10, true, out)
	if maskedLen != unmaskedLen+4 {
		t.Fatalf("masked header should reserve 4 extra bytes: masked=%d unmasked=%d", maskedLen, unmaskedLen)
	}
}

func TestApplyMaskIsInvolution(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	original := []byte("Hello, WebSocket world!")
	buf := append([]byte(nil), original...)

	ApplyMask(buf, key)
	if bytes.Equal(buf, original) {
		t.Fatal("masking once must change the bytes (barring pathological input)")
	}
	ApplyMask(buf, key)
	if !bytes.Equal(buf, original) {
		t.Fatal("masking twice with the same key must restore the original")
	}
}

func TestHelloFrameFixture(t *testing.T) {
	// Literal "Hello" masked text frame, as sent by a real client.
	raw := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	hdr, hlen, ok := ParseFrameHeader(raw)
	if !ok || hlen != 6 || !hdr.Masked || hdr.PayloadLen != 5 {
		t.Fatalf("hdr=%+v hlen=%d ok=%v", hdr, hlen, ok)
	}
	payload := append([]byte(nil), raw[hlen:hlen+int(hdr.PayloadLen)]...)
	ApplyMask(payload, hdr.MaskKey)
	if string(payload) != "Hello" {
		t.Fatalf("got %q", payload)
	}

	out := make([]byte, MaxHeaderLen)
	elen := EncodeFrameHeader(OpcodeText, uint64(len(payload)), false, out)
	want := []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	got := append(out[:elen:elen], payload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("echo encoding mismatch: got % x want % x", got, want)
	}
}

func TestPingPongFixture(t *testing.T) {
	raw := []byte{0x89, 0x00}
	hdr, hlen, ok := ParseFrameHeader(raw)
	if !ok || hdr.Opcode != OpcodePing || hdr.PayloadLen != 0 || hlen != 2 {
		t.Fatalf("hdr=%+v hlen=%d ok=%v", hdr, hlen, ok)
	}

	out := make([]byte, MaxHeaderLen)
	elen := EncodeFrameHeader(OpcodePong, 0, false, out)
	if !bytes.Equal(out[:elen], []byte{0x8A, 0x00}) {
		t.Fatalf("pong encoding got % x", out[:elen])
	}
}
