// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package wire

import (
	"encoding/binary"
	"encoding/json"
)

// FrameKind identifies the 4-byte big-endian discriminator at the start of
// every binary WebSocket frame.
type FrameKind uint32

const (
	FrameKindPreviewLegacy FrameKind = 1
	FrameKindPreviewRaw    FrameKind = 2
	FrameKindText          FrameKind = 3
	FrameKindPreviewMeta   FrameKind = 4
)

// ImageType is the legacy preview's second 4-byte field.
type ImageType uint32

const (
	ImageTypeJPEG ImageType = 1
	ImageTypePNG  ImageType = 2
)

func (t ImageType) MIME() string {
	switch t {
	case ImageTypePNG:
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// Frame is the decoded form of a single binary event-channel message.
type Frame struct {
	Kind      FrameKind
	Image     []byte          // kinds 1, 2, 4
	MIME      string          // kinds 1, 2, 4
	ChannelID uint32          // kind 3
	Text      []byte          // kind 3
	Metadata  json.RawMessage // kind 4
}

type previewMeta struct {
	ImageType string `json:"image_type"`
}

// DecodeFrame parses one binary message per §4.1. It returns ok=false for
// any frame that is too short for its kind or whose kind is unrecognized —
// callers must drop such frames (with a log) rather than treat them as a
// fatal error.
func DecodeFrame(b []byte) (Frame, bool) {
	if len(b) < 4 {
		return Frame{}, false
	}
	kind := FrameKind(binary.BigEndian.Uint32(b[0:4]))
	rest := b[4:]

	switch kind {
	case FrameKindPreviewLegacy:
		if len(rest) < 4 {
			return Frame{}, false
		}
		imgType := ImageType(binary.BigEndian.Uint32(rest[0:4]))
		return Frame{Kind: kind, Image: rest[4:], MIME: imgType.MIME()}, true

	case FrameKindPreviewRaw:
		return Frame{Kind: kind, Image: rest, MIME: "image/jpeg"}, true

	case FrameKindText:
		if len(rest) < 4 {
			return Frame{}, false
		}
		channelID := binary.BigEndian.Uint32(rest[0:4])
		return Frame{Kind: kind, ChannelID: channelID, Text: rest[4:]}, true

	case FrameKindPreviewMeta:
		if len(rest) < 4 {
			return Frame{}, false
		}
		n := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return Frame{}, false
		}
		metaBytes := rest[:n]
		imgBytes := rest[n:]
		var meta previewMeta
		mime := "image/jpeg"
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return Frame{}, false
		}
		if meta.ImageType != "" {
			mime = meta.ImageType
		}
		return Frame{Kind: kind, Image: imgBytes, MIME: mime, Metadata: json.RawMessage(metaBytes)}, true

	default:
		return Frame{}, false
	}
}

// EncodeLegacyPreview builds a kind-1 frame, used by tests and fake servers.
func EncodeLegacyPreview(imgType ImageType, image []byte) []byte {
	out := make([]byte, 8+len(image))
	binary.BigEndian.PutUint32(out[0:4], uint32(FrameKindPreviewLegacy))
	binary.BigEndian.PutUint32(out[4:8], uint32(imgType))
	copy(out[8:], image)
	return out
}

// EncodeRawPreview builds a kind-2 frame.
func EncodeRawPreview(image []byte) []byte {
	out := make([]byte, 4+len(image))
	binary.BigEndian.PutUint32(out[0:4], uint32(FrameKindPreviewRaw))
	copy(out[4:], image)
	return out
}

// EncodeTextFrame builds a kind-3 frame.
func EncodeTextFrame(channelID uint32, text []byte) []byte {
	out := make([]byte, 8+len(text))
	binary.BigEndian.PutUint32(out[0:4], uint32(FrameKindText))
	binary.BigEndian.PutUint32(out[4:8], channelID)
	copy(out[8:], text)
	return out
}

// EncodePreviewMeta builds a kind-4 frame.
func EncodePreviewMeta(metadata []byte, image []byte) []byte {
	out := make([]byte, 8+len(metadata)+len(image))
	binary.BigEndian.PutUint32(out[0:4], uint32(FrameKindPreviewMeta))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(metadata)))
	copy(out[8:8+len(metadata)], metadata)
	copy(out[8+len(metadata):], image)
	return out
}
