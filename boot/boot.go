// Package boot decodes the records a UEFI boot stage hands to the kernel:
// the frame buffer, the display mode, and the firmware memory map.
package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameBuffer is the linear frame buffer selected by the boot stage.
type FrameBuffer struct {
	Base uint64
	Size uint64
}

// PixelFormat is the layout of a frame buffer pixel.
type PixelFormat uint32

const (
	PixelRGB     PixelFormat = iota // red, green, blue, reserved; 8 bits each
	PixelBGR                        // blue, green, red, reserved; 8 bits each
	PixelBitmask                    // described by ModeInfo.Mask
	PixelBltOnly                    // no linear frame buffer
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGB:
		return "rgb"
	case PixelBGR:
		return "bgr"
	case PixelBitmask:
		return "bitmask"
	case PixelBltOnly:
		return "blt-only"
	}

	return fmt.Sprintf("PixelFormat(%d)", uint32(f))
}

// ChannelMask gives the bits of each channel when the format is PixelBitmask.
type ChannelMask struct {
	Red      uint32
	Green    uint32
	Blue     uint32
	Reserved uint32
}

// ModeInfo describes the display mode. It has the layout of
// EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
type ModeInfo struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	Format               PixelFormat
	Mask                 ChannelMask
	Stride               uint32 // pixels per scan line
}

// ModeInfoSize is the size of a marshaled ModeInfo in bytes.
const ModeInfoSize = 36

// PixelOffset returns the byte offset of pixel (x, y) in the frame buffer.
// It returns false if the pixel is off screen or the mode has no linear
// frame buffer.
func (m ModeInfo) PixelOffset(x, y int) (int, bool) {
	if m.Format == PixelBltOnly {
		return 0, false
	}

	if x < 0 || y < 0 || x >= int(m.HorizontalResolution) || y >= int(m.VerticalResolution) {
		return 0, false
	}

	return 4 * (y*int(m.Stride) + x), true
}

// MarshalBinary marshals the mode into the layout of EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
func (m *ModeInfo) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, m); err != nil {
		panic(err)
	}

	return b.Bytes(), nil
}

// UnmarshalBinary unmarshals a mode. It returns io.ErrUnexpectedEOF if the
// given data is too short.
func (m *ModeInfo) UnmarshalBinary(data []byte) error {
	if len(data) < ModeInfoSize {
		return io.ErrUnexpectedEOF
	}

	if err := binary.Read(bytes.NewReader(data[:ModeInfoSize]), binary.LittleEndian, m); err != nil {
		panic(err)
	}

	return nil
}
