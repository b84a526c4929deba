package rtc

import (
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Consumer struct {
	id        domain.ConsumerID
	transport *Transport
	producer  *Producer
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	params    domain.RTPParameters

	closeOnce sync.Once
}

func newConsumer(t *Transport, producer *Producer, paused bool) (*Consumer, error) {
	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(codecParameters(producer.codec).RTPCodecCapability, string(id), string(producer.id))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := domain.RTPParameters{
		MimeType:    producer.codec.MimeType,
		PayloadType: producer.codec.PreferredPayloadType,
		ClockRate:   producer.codec.ClockRate,
		Channels:    producer.codec.Channels,
	}
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		params.SSRC = uint32(enc[0].SSRC)
	}
	out, ok := t.router.relays.AddSubscriber(producer.id, id, track)
	if !ok {
		_ = sender.Stop()
		return nil, fmt.Errorf("producer %s is closed", producer.id)
	}
	if !paused {
		out.MarkOk()
	}
	return &Consumer{
		id:        id,
		transport: t,
		producer:  producer,
		sender:    sender,
		out:       out,
		params:    params,
	}, nil
}

func (c *Consumer) start() {
	c.transport.whenReady(func() {
		if err := c.sender.Send(c.sender.GetParameters()); err != nil {
			log.Error().Str("module", "rtc").Str("consumer", string(c.id)).Err(err).Msg("send failed")
			return
		}
		go c.readRTCP()
	})
}

// readRTCP forwards keyframe requests from the viewer to the producer.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }

func (c *Consumer) Resume() error {
	c.out.MarkOk()
	c.producer.requestKeyframe()
	return nil
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.out.MarkDelete()
		err = c.sender.Stop()
		c.transport.dropConsumer(c.id)
	})
	return err
}
