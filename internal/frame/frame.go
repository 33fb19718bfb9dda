// Package frame turns raw pixel payloads into padding-free, top-down RGB
// buffers.
package frame

import (
	"tickbridge.ai/internal/protocol"
)

// BytesPerPixel is fixed: frames are 8-bit RGB.
const BytesPerPixel = 3

// MaxDimension bounds width and height so stride arithmetic cannot overflow.
const MaxDimension = 1 << 14

// Buffer is a reconstructed frame: rows top to bottom, no row padding. It is
// never mutated after construction; accessors return copies.
type Buffer struct {
	width  int
	height int
	pix    []byte
}

func (b Buffer) Width() int  { return b.width }
func (b Buffer) Height() int { return b.height }

// Empty reports whether the observation carried no frame.
func (b Buffer) Empty() bool { return len(b.pix) == 0 }

// Len is width*height*BytesPerPixel.
func (b Buffer) Len() int { return len(b.pix) }

// Bytes returns a copy of the contiguous pixel data.
func (b Buffer) Bytes() []byte {
	out := make([]byte, len(b.pix))
	copy(out, b.pix)
	return out
}

// Row returns a copy of row y (0 is the top row).
func (b Buffer) Row(y int) []byte {
	if y < 0 || y >= b.height {
		return nil
	}
	rb := b.width * BytesPerPixel
	out := make([]byte, rb)
	copy(out, b.pix[y*rb:(y+1)*rb])
	return out
}

// At returns the pixel at (x, y). Out-of-range coordinates yield black.
func (b Buffer) At(x, y int) (r, g, bl uint8) {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return 0, 0, 0
	}
	i := (y*b.width + x) * BytesPerPixel
	return b.pix[i], b.pix[i+1], b.pix[i+2]
}

// Reconstruct copies a top-down payload into a contiguous buffer, dropping
// the per-row padding between width*BytesPerPixel and stride bytes.
func Reconstruct(raw []byte, width, height, stride int) (Buffer, error) {
	return reconstruct(raw, width, height, stride, false)
}

// FromMessage reconstructs the frame carried in an observation. A nil message
// or the NONE encoding yield an empty buffer. Bottom-up payloads are flipped
// so the result is always top-down.
func FromMessage(m *protocol.FrameMsg) (Buffer, error) {
	if m == nil {
		return Buffer{}, nil
	}
	switch m.Encoding {
	case protocol.FrameRaw, "":
	case protocol.FrameNone:
		return Buffer{}, nil
	default:
		return Buffer{}, errorf(ErrUnsupportedEncoding, "%q", m.Encoding)
	}
	var flip bool
	switch m.Origin {
	case protocol.OriginBottomUp, "":
		flip = true
	case protocol.OriginTopDown:
	default:
		return Buffer{}, errorf(ErrUnsupportedEncoding, "origin %q", m.Origin)
	}
	return reconstruct(m.Data, m.Width, m.Height, m.Stride, flip)
}

func reconstruct(raw []byte, width, height, stride int, flip bool) (Buffer, error) {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return Buffer{}, errorf(ErrDimensions, "%dx%d", width, height)
	}
	rb := width * BytesPerPixel
	if stride < rb {
		return Buffer{}, errorf(ErrStride, "stride %d is shorter than a row of %d bytes", stride, rb)
	}
	// len(raw) == stride*height without forming the product, which can
	// overflow for an arbitrary stride.
	if len(raw)%height != 0 || len(raw)/height != stride {
		return Buffer{}, errorf(ErrSizeMismatch, "got %d bytes, want stride %d x height %d", len(raw), stride, height)
	}
	pix := make([]byte, rb*height)
	for y := 0; y < height; y++ {
		src := y
		if flip {
			src = height - 1 - y
		}
		copy(pix[y*rb:(y+1)*rb], raw[src*stride:src*stride+rb])
	}
	return Buffer{width: width, height: height, pix: pix}, nil
}

// AlignedStride rounds a row of width pixels up to a multiple of align bytes,
// the way GL pack alignment pads readback rows.
func AlignedStride(width, align int) int {
	rb := width * BytesPerPixel
	if align <= 1 {
		return rb
	}
	return (rb + align - 1) / align * align
}

// Pack serializes b with the given stride, zero padding each row. When
// bottomUp is set rows are written last to first.
func Pack(b Buffer, stride int, bottomUp bool) ([]byte, error) {
	rb := b.width * BytesPerPixel
	if stride < rb {
		return nil, errorf(ErrStride, "stride %d < %d", stride, rb)
	}
	out := make([]byte, stride*b.height)
	for y := 0; y < b.height; y++ {
		dst := y
		if bottomUp {
			dst = b.height - 1 - y
		}
		copy(out[dst*stride:dst*stride+rb], b.pix[y*rb:(y+1)*rb])
	}
	return out, nil
}

// New builds a buffer from contiguous top-down pixels. pix is copied.
func New(width, height int, pix []byte) (Buffer, error) {
	return reconstruct(pix, width, height, width*BytesPerPixel, false)
}

// WithCursor returns a copy of b with a crosshair of the given arm length
// drawn at (x, y).
func (b Buffer) WithCursor(x, y, arm int, r, g, bl uint8) Buffer {
	out := Buffer{width: b.width, height: b.height, pix: b.Bytes()}
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return out
	}
	set := func(px, py int) {
		i := (py*b.width + px) * BytesPerPixel
		out.pix[i], out.pix[i+1], out.pix[i+2] = r, g, bl
	}
	for px := max(0, x-arm); px <= min(b.width-1, x+arm); px++ {
		set(px, y)
	}
	for py := max(0, y-arm); py <= min(b.height-1, y+arm); py++ {
		set(x, py)
	}
	return out
}
