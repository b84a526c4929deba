package domain

import (
	"fmt"
	"sort"
	"strings"
)

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
	// AppTag groups one participant's audio and video producers into a single feed.
	AppTag string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

// Direction of a transport as seen from the client.
type Direction int

const (
	DirectionRecv Direction = iota
	DirectionSend
)

func DirectionOf(sender bool) Direction {
	if sender {
		return DirectionSend
	}
	return DirectionRecv
}

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

type HeaderExtension struct {
	URI string `json:"uri"`
	ID  uint8  `json:"id"`
}

type RTPCodec struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

// FmtpLine renders Parameters as an SDP fmtp line with stable key order.
func (c RTPCodec) FmtpLine() string {
	if len(c.Parameters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.Parameters[k]))
	}
	return strings.Join(parts, ";")
}

type RTPCapabilities struct {
	Codecs           []RTPCodec        `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

func (c RTPCapabilities) Codec(mimeType string) (RTPCodec, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RTPCodec{}, false
}

// RTPParameters describes one negotiated RTP stream in either direction.
type RTPParameters struct {
	MimeType         string            `json:"mimeType"`
	PayloadType      uint8             `json:"payloadType"`
	ClockRate        uint32            `json:"clockRate"`
	Channels         uint16            `json:"channels,omitempty"`
	SSRC             uint32            `json:"ssrc"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

func (p RTPParameters) ExtensionID(uri string) (uint8, bool) {
	for _, ext := range p.HeaderExtensions {
		if ext.URI == uri && ext.ID != 0 {
			return ext.ID, true
		}
	}
	return 0, false
}

// DefaultMediaCodecs is the router codec set: one audio, one video codec.
func DefaultMediaCodecs() []RTPCodec {
	return []RTPCodec{
		{
			Kind:                 KindAudio,
			MimeType:             "audio/opus",
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP8",
			ClockRate:            90000,
			PreferredPayloadType: 96,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
	}
}
