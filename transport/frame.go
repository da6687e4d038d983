package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/juju/errors"
)

// WebSocket frame: [FIN|opcode] [MASK|len7] [len16 | len64] [mask key] [payload]
const (
	OpContinuation = byte(0x0)
	OpText         = byte(0x1)
	OpBinary       = byte(0x2)
	OpClose        = byte(0x8)
	OpPing         = byte(0x9)
	OpPong         = byte(0xa)

	frameFin      = byte(0x80)
	frameMask     = byte(0x80)
	frameLen16    = 126
	frameLen64    = 127
	frameLen7Max  = 125
	frameMaskSize = 4

	// Write side supports 16 bit length only.
	MaxPayloadLen = math.MaxUint16
	// 2 fixed + 8 extended length + 4 mask key
	MaxFrameHeaderLen = 2 + 8 + frameMaskSize
)

var (
	ErrFrameTooLarge  = fmt.Errorf("websocket payload is too large")
	ErrLengthOverflow = fmt.Errorf("websocket frame length overflows 32 bit")
	ErrFrameOpcode    = fmt.Errorf("websocket frame opcode is not supported")
)

type FrameHeader struct {
	Fin    bool
	Opcode byte
	Masked bool
	Mask   [frameMaskSize]byte
	Length uint32
	// Size of encoded header in bytes.
	Size int
}

func (h *FrameHeader) String() string {
	return fmt.Sprintf("<Frame fin=%t opcode=%d masked=%t length=%d size=%d>", h.Fin, h.Opcode, h.Masked, h.Length, h.Size)
}

// FrameMarshal returns complete client frame: header, mask key from rand, masked payload.
func FrameMarshal(opcode byte, payload []byte, rand io.Reader) ([]byte, error) {
	n := len(payload)
	if n > MaxPayloadLen {
		return nil, errors.Annotatef(ErrFrameTooLarge, "length=%d max=%d", n, MaxPayloadLen)
	}
	hlen := 2 + frameMaskSize
	if n > frameLen7Max {
		hlen += 2
	}
	b := make([]byte, hlen+n)
	b[0] = frameFin | opcode&0x0f
	i := 2
	if n > frameLen7Max {
		b[1] = frameMask | frameLen16
		binary.BigEndian.PutUint16(b[2:], uint16(n))
		i += 2
	} else {
		b[1] = frameMask | byte(n)
	}
	mask := b[i : i+frameMaskSize]
	if _, err := io.ReadFull(rand, mask); err != nil {
		return nil, errors.Annotate(err, "websocket mask key")
	}
	i += frameMaskSize
	copy(b[i:], payload)
	MaskBytes(mask, b[i:])
	return b, nil
}

// MaskBytes XORs b with key cyclically. Masking twice restores the original.
func MaskBytes(key []byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%frameMaskSize]
	}
}

// ParseFrameHeader decodes header from the beginning of b.
// Returns io.ErrUnexpectedEOF when b is too short for the whole header.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	h := FrameHeader{}
	if len(b) < 2 {
		return h, io.ErrUnexpectedEOF
	}
	h.Fin = b[0]&frameFin != 0
	h.Opcode = b[0] & 0x0f
	h.Masked = b[1]&frameMask != 0
	i := 2
	switch len7 := b[1] &^ frameMask; len7 {
	case frameLen16:
		if len(b) < i+2 {
			return h, io.ErrUnexpectedEOF
		}
		h.Length = uint32(binary.BigEndian.Uint16(b[i:]))
		i += 2
	case frameLen64:
		if len(b) < i+8 {
			return h, io.ErrUnexpectedEOF
		}
		if binary.BigEndian.Uint32(b[i:]) != 0 {
			return h, ErrLengthOverflow
		}
		h.Length = binary.BigEndian.Uint32(b[i+4:])
		i += 8
	default:
		h.Length = uint32(len7)
	}
	if h.Masked {
		if len(b) < i+frameMaskSize {
			return h, io.ErrUnexpectedEOF
		}
		copy(h.Mask[:], b[i:])
		i += frameMaskSize
	}
	h.Size = i
	return h, nil
}
