package rtc

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	transport *Transport
	receiver  *webrtc.RTPReceiver
	codec     domain.RTPCodec
	params    domain.RTPParameters
	levelExt  uint8

	received  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newProducer(t *Transport, receiver *webrtc.RTPReceiver, codec domain.RTPCodec, opts core.ProduceOptions) *Producer {
	params := opts.RTPParameters
	params.MimeType = codec.MimeType
	params.ClockRate = codec.ClockRate
	params.Channels = codec.Channels
	if params.PayloadType == 0 {
		params.PayloadType = codec.PreferredPayloadType
	}
	p := &Producer{
		id:        domain.ProducerID(uuid.NewString()),
		kind:      opts.Kind,
		transport: t,
		receiver:  receiver,
		codec:     codec,
		params:    params,
		received:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	if opts.Kind == domain.KindAudio {
		p.levelExt, _ = params.ExtensionID(domain.AudioLevelURI)
	}
	return p
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// start attaches the relay now and begins receiving once DTLS is up, so
// consumers can subscribe before the first packet arrives.
func (p *Producer) start() {
	p.transport.router.relays.StartRelay(p.transport.ctx, p.id, &receiverSource{p: p}, p.onPacket)
	p.transport.whenReady(func() {
		err := p.receiver.Receive(webrtc.RTPReceiveParameters{
			Encodings: []webrtc.RTPDecodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(p.params.SSRC),
					PayloadType: webrtc.PayloadType(p.params.PayloadType),
				},
			}},
		})
		if err != nil {
			log.Error().Str("module", "rtc").Str("producer", string(p.id)).Err(err).Msg("receive failed")
			_ = p.Close()
			return
		}
		close(p.received)
		go p.drainRTCP()
	})
}

func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (p *Producer) onPacket(pkt *rtp.Packet) {
	if p.levelExt == 0 {
		return
	}
	payload := pkt.GetExtension(p.levelExt)
	if len(payload) == 0 {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return
	}
	p.transport.router.recordLevel(p.id, ext.Level)
}

// requestKeyframe asks the sender for a fresh keyframe.
func (p *Producer) requestKeyframe() {
	if p.kind != domain.KindVideo {
		return
	}
	select {
	case <-p.received:
	default:
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.params.SSRC}})
	if err != nil {
		log.Debug().Str("module", "rtc").Str("producer", string(p.id)).Err(err).Msg("PLI write failed")
	}
}

func (p *Producer) Pause() error {
	p.transport.router.relays.SetPaused(p.id, true)
	return nil
}

func (p *Producer) Resume() error {
	p.transport.router.relays.SetPaused(p.id, false)
	p.requestKeyframe()
	return nil
}

// Close stops the producer and closes every consumer fed by it.
func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		r := p.transport.router
		r.relays.StopRelay(p.id)
		err = p.receiver.Stop()
		r.removeProducer(p.id)
		p.transport.dropProducer(p.id)
		for _, c := range r.consumersOf(p.id) {
			_ = c.Close()
		}
		log.Debug().Str("module", "rtc").Str("producer", string(p.id)).Msg("producer closed")
	})
	return err
}

// receiverSource reads from the receiver's track once Receive has run.
// Only the relay loop calls ReadRTP.
type receiverSource struct {
	p     *Producer
	track *webrtc.TrackRemote
}

var errNoTrack = errors.New("receiver has no track")

func (s *receiverSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if s.track == nil {
		select {
		case <-s.p.received:
		case <-s.p.done:
			return nil, nil, io.EOF
		}
		s.track = s.p.receiver.Track()
		if s.track == nil {
			return nil, nil, errNoTrack
		}
	}
	return s.track.ReadRTP()
}
