package rtc

import (
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func codecParameters(c domain.RTPCodec) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.FmtpLine(),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// newMediaEngine registers the router codecs and the audio level extension.
func newMediaEngine(codecs []domain.RTPCodec) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("codec %s: unknown kind %q", c.MimeType, c.Kind)
		}
		if err := m.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: domain.AudioLevelURI}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	return m, nil
}

// capabilities are what clients negotiate against: the codecs plus the audio
// level extension at a fixed id.
func capabilities(codecs []domain.RTPCodec) domain.RTPCapabilities {
	out := domain.RTPCapabilities{
		Codecs:           make([]domain.RTPCodec, len(codecs)),
		HeaderExtensions: []domain.HeaderExtension{{URI: domain.AudioLevelURI, ID: audioLevelExtensionID}},
	}
	copy(out.Codecs, codecs)
	return out
}

const audioLevelExtensionID = 1

// producerCodec resolves the codec a producer sends with. An empty mime type
// picks the first router codec of the kind.
func producerCodec(caps domain.RTPCapabilities, kind domain.MediaKind, params domain.RTPParameters) (domain.RTPCodec, error) {
	if params.MimeType != "" {
		c, ok := caps.Codec(params.MimeType)
		if !ok || c.Kind != kind {
			return domain.RTPCodec{}, fmt.Errorf("codec %s not supported for %s", params.MimeType, kind)
		}
		return c, nil
	}
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return c, nil
		}
	}
	return domain.RTPCodec{}, fmt.Errorf("no %s codec configured", kind)
}
