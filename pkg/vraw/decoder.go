// SPDX-License-Identifier: GPL-2.0-or-later

package vraw

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the 16-byte recording header at offset zero.
type Header struct {
	Magic        uint32
	RelativeNsec uint32
	EpochSec     uint64
}

// MagicOK reports whether the header carried the recording magic.
// A mismatch is not fatal, the header region is skipped either way.
func (h Header) MagicOK() bool {
	return h.Magic == RecordingMagic
}

// Frame is one decoded frame record. Payload is nil when the decoder
// runs in metadata-only mode.
type Frame struct {
	StreamID         int32
	FrameNo          int32
	Width            int32
	Height           int32
	Format           VideoCaptureFormat
	Timestamp        int64 // Nanoseconds.
	ReceiveTimestamp int64 // Nanoseconds.
	PayloadSize      int64
	Payload          []byte

	// Position in the stream, for diagnostics.
	Index  int
	Offset int64
}

// Resolution returns "<width>x<height>".
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// Decoder walks a .vraw stream record by record in a single pass.
// The zero value is not usable, see NewDecoder.
type Decoder struct {
	c          *Cursor
	header     Header
	headerRead bool
	done       bool
	frameIndex int

	// Metadata-only mode skips payload and generic-metadata bytes
	// instead of reading them. Used by the rate-estimation pre-pass.
	metadataOnly bool
}

// NewDecoder creates a full decoder that returns frame payloads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{c: NewCursor(r)}
}

// NewMetadataDecoder creates a decoder that skips payloads.
func NewMetadataDecoder(r io.Reader) *Decoder {
	return &Decoder{c: NewCursor(r), metadataOnly: true}
}

// Offset returns the current byte offset in the stream.
func (d *Decoder) Offset() int64 {
	return d.c.Offset()
}

// ReadHeader consumes the 16-byte recording header. The header is
// skipped rather than interpreted, a magic mismatch does not fail the
// decode. Callers may inspect Header.MagicOK and warn.
func (d *Decoder) ReadHeader() (Header, error) {
	if d.headerRead {
		return d.header, nil
	}
	buf, err := d.c.ReadBytes(recordingHeaderSize)
	if err != nil {
		return Header{}, err
	}
	d.header = Header{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		RelativeNsec: binary.LittleEndian.Uint32(buf[4:8]),
		EpochSec:     binary.LittleEndian.Uint64(buf[8:16]),
	}
	d.headerRead = true
	return d.header, nil
}

// Next decodes the next frame record. It returns io.EOF once the
// index sentinel has been reached. Reaching end-of-input in any other
// state is ErrUnexpectedEOF. A magic mismatch is ErrCorruptStream and
// the stream cannot be read past it.
func (d *Decoder) Next() (*Frame, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.headerRead {
		if _, err := d.ReadHeader(); err != nil {
			return nil, err
		}
	}

	magicOffset := d.c.Offset()
	magic, err := d.c.Uint32()
	if err != nil {
		return nil, err
	}

	switch magic {
	case IndexMagic:
		// End-of-stream sentinel, consume the padding and stop.
		if err := d.c.Skip(4); err != nil {
			return nil, err
		}
		d.done = true
		return nil, io.EOF
	case FrameMagic:
	default:
		return nil, fmt.Errorf(
			"%w: magic %#08x at offset %d, expected frame or index",
			ErrCorruptStream, magic, magicOffset)
	}

	frame, err := d.readFrame(magicOffset)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", d.frameIndex, err)
	}
	frame.Index = d.frameIndex
	d.frameIndex++

	if err := d.readGenericMetadata(); err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
	}
	return frame, nil
}

func (d *Decoder) readFrame(offset int64) (*Frame, error) {
	frame := &Frame{Offset: offset}

	var err error
	read := func(dst *int32) {
		if err == nil {
			*dst, err = d.c.Int32()
		}
	}
	read64 := func(dst *int64) {
		if err == nil {
			*dst, err = d.c.Int64()
		}
	}

	var format int32
	read(&frame.StreamID)
	read(&frame.FrameNo)
	read(&frame.Width)
	read(&frame.Height)
	read(&format)
	read64(&frame.Timestamp)
	read64(&frame.ReceiveTimestamp)
	read64(&frame.PayloadSize)
	if err != nil {
		return nil, err
	}
	frame.Format = VideoCaptureFormat(format)

	if frame.PayloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size %d",
			ErrCorruptStream, frame.PayloadSize)
	}
	if err := d.checkDimensions(frame); err != nil {
		return nil, err
	}

	if d.metadataOnly {
		if err := d.c.Skip(frame.PayloadSize); err != nil {
			return nil, err
		}
		return frame, nil
	}

	payload, err := d.c.ReadBytes(frame.PayloadSize)
	if err != nil {
		return nil, err
	}
	if frame.Format.Known() && frame.Format != FormatStats {
		payload = splitPlacementTrailer(payload)
	}
	frame.Payload = payload
	return frame, nil
}

// Coded bitstreams carry zero dimensions, raw pixel frames must have
// positive ones. Unknown formats are left for the dispatcher to reject.
func (d *Decoder) checkDimensions(frame *Frame) error {
	switch {
	case frame.Format.IsCoded():
		if frame.Width != 0 || frame.Height != 0 {
			return fmt.Errorf("%w: coded frame with resolution %vx%v",
				ErrCorruptStream, frame.Width, frame.Height)
		}
	case frame.Format.IsRaw():
		if frame.Width <= 0 || frame.Height <= 0 {
			return fmt.Errorf("%w: raw frame with resolution %vx%v",
				ErrCorruptStream, frame.Width, frame.Height)
		}
	}
	return nil
}

func (d *Decoder) readGenericMetadata() error {
	headerOffset := d.c.Offset()
	magic, err := d.c.Uint32()
	if err != nil {
		return err
	}
	if magic != GenericMetadataHeaderMagic {
		return fmt.Errorf("%w: generic metadata header magic %#08x at offset %d",
			ErrCorruptStream, magic, headerOffset)
	}
	size, err := d.c.Uint32()
	if err != nil {
		return err
	}

	// The block is opaque, never interpreted.
	if err := d.c.Skip(int64(size)); err != nil {
		return err
	}

	footerOffset := d.c.Offset()
	footerMagic, err := d.c.Uint32()
	if err != nil {
		return err
	}
	if footerMagic != GenericMetadataFooterMagic {
		return fmt.Errorf("%w: generic metadata footer magic %#08x at offset %d",
			ErrCorruptStream, footerMagic, footerOffset)
	}
	footerSize, err := d.c.Uint32()
	if err != nil {
		return err
	}
	// Size mismatch between header and footer means the block was
	// truncated or the stream is misaligned.
	if footerSize != size {
		return fmt.Errorf("%w: generic metadata size mismatch, header %d footer %d",
			ErrCorruptStream, size, footerSize)
	}
	return nil
}

// Video placement trailer appended to payloads by some recorders:
// u16 size followed by the 5 magic bytes 00 00 00 56 4A, preceding
// `size` bytes of placement metadata. The trailer may be padded by up
// to 10 trailing bytes. Payloads without one are passed through
// unchanged.
const (
	placementTrailerSize = 7
	placementSearchDepth = 10
)

var placementTrailerMagic = [5]byte{0x00, 0x00, 0x00, 0x56, 0x4A}

func splitPlacementTrailer(payload []byte) []byte {
	for off := 0; off <= placementSearchDepth; off++ {
		end := len(payload) - off
		start := end - placementTrailerSize
		if start < 0 {
			break
		}
		if [5]byte(payload[start+2:end]) != placementTrailerMagic {
			continue
		}
		size := int(binary.LittleEndian.Uint16(payload[start : start+2]))
		dataEnd := start - size
		if dataEnd < 0 {
			continue
		}
		return payload[:dataEnd]
	}
	return payload
}
