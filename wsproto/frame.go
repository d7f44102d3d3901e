// File: wsproto/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wsproto

// Header is the parsed value of an RFC 6455 frame header. It never holds
// the payload itself — callers slice the payload directly out of the
// ring buffer snapshot that produced the header.
type Header struct {
	Fin        bool
	Opcode     byte
	Masked     bool
	PayloadLen uint64
	MaskKey    [4]byte
}

// IsControl reports whether Opcode has the high bit of its nibble set
// (0x8-0xF): close, ping and pong, plus the reserved control opcodes
// 0xB-0xF.
func (h Header) IsControl() bool {
	return h.Opcode >= 0x8
}
