// SPDX-License-Identifier: GPL-2.0-or-later

// Package vraw implements a streaming parser for the Voysys .vraw
// frame-sequenced raw capture format.
package vraw

// Record magics. All integers in the format are little-endian.
const (
	RecordingMagic             = 0xFEEDFEED
	FrameMagic                 = 0xAAAAFEED
	GenericMetadataHeaderMagic = 0xBACCDEEF
	GenericMetadataFooterMagic = 0xBACCBEEF
	IndexMagic                 = 0xABCDFEED
)

// Record sizes in bytes.
const (
	recordingHeaderSize = 16
	frameMetadataSize   = 48 // Including the magic.
	indexHeaderSize     = 8
)

// VideoCaptureFormat describes the pixel layout of a frame payload.
type VideoCaptureFormat int32

// Raw formats store uncompressed pixels. The negative values are
// pre-encoded bitstreams that can be stream-copied into a container.
const (
	FormatRgb    VideoCaptureFormat = 0
	FormatBgr    VideoCaptureFormat = 1
	FormatYuv    VideoCaptureFormat = 2
	FormatNv12   VideoCaptureFormat = 3
	FormatYuyv   VideoCaptureFormat = 4
	FormatUyvy   VideoCaptureFormat = 5
	FormatRaw    VideoCaptureFormat = 6
	FormatMono16 VideoCaptureFormat = 7
	FormatRaw16  VideoCaptureFormat = 8
	FormatMono8  VideoCaptureFormat = 9

	FormatInvalid VideoCaptureFormat = -1

	FormatH264  VideoCaptureFormat = -4601
	FormatH265  VideoCaptureFormat = -4602
	FormatMjpeg VideoCaptureFormat = -4603
	FormatStats VideoCaptureFormat = -4701
)

// Known reports whether the value is part of the enumeration.
// Anything else is unsupported, never silently coerced.
func (f VideoCaptureFormat) Known() bool {
	switch f {
	case FormatRgb, FormatBgr, FormatYuv, FormatNv12, FormatYuyv,
		FormatUyvy, FormatRaw, FormatMono16, FormatRaw16, FormatMono8,
		FormatH264, FormatH265, FormatMjpeg, FormatStats:
		return true
	}
	return false
}

// IsCoded reports whether payloads are pre-encoded bitstreams.
func (f VideoCaptureFormat) IsCoded() bool {
	switch f {
	case FormatH264, FormatH265, FormatMjpeg:
		return true
	}
	return false
}

// IsRaw reports whether payloads are uncompressed pixel data.
func (f VideoCaptureFormat) IsRaw() bool {
	return f.Known() && !f.IsCoded() && f != FormatStats
}

// PixFmt returns the ffmpeg pixel format name for raw formats.
func (f VideoCaptureFormat) PixFmt() (string, bool) {
	switch f {
	case FormatRgb:
		return "rgb24", true
	case FormatBgr:
		return "bgr24", true
	case FormatYuv:
		return "yuv420p", true
	case FormatNv12:
		return "nv12", true
	case FormatYuyv:
		return "yuyv422", true
	case FormatUyvy:
		return "uyvy422", true
	case FormatRaw:
		return "bayer_rggb8", true // 8-bit sensor data.
	case FormatMono16:
		return "gray16le", true
	case FormatRaw16:
		return "bayer_rggb16le", true // 16-bit sensor data.
	case FormatMono8:
		return "gray", true
	}
	return "", false
}

// Demuxer returns the ffmpeg input format name.
func (f VideoCaptureFormat) Demuxer() (string, bool) {
	switch {
	case f.IsRaw():
		return "rawvideo", true
	case f == FormatH264:
		return "h264", true
	case f == FormatH265:
		return "hevc", true
	case f == FormatMjpeg:
		return "mjpeg", true
	}
	return "", false
}

func (f VideoCaptureFormat) String() string {
	switch f {
	case FormatRgb:
		return "rgb"
	case FormatBgr:
		return "bgr"
	case FormatYuv:
		return "yuv"
	case FormatNv12:
		return "nv12"
	case FormatYuyv:
		return "yuyv"
	case FormatUyvy:
		return "uyvy"
	case FormatRaw:
		return "raw"
	case FormatMono16:
		return "mono16"
	case FormatRaw16:
		return "raw16"
	case FormatMono8:
		return "mono8"
	case FormatH264:
		return "h264"
	case FormatH265:
		return "h265"
	case FormatMjpeg:
		return "mjpeg"
	case FormatStats:
		return "stats"
	case FormatInvalid:
		return "invalid"
	}
	return "unknown"
}
