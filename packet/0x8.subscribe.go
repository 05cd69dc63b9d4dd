package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SUBSCRIBE requests one or more topic subscriptions [§3.8]. Flags fixed
// at DUP=0, QoS=1, RETAIN=0 [MQTT-3.8.1-1]; payload must carry at least
// one subscription [MQTT-3.8.3-1]. v5.0 adds a properties section
// (subscription identifier, user properties) between the packet id and
// the subscription list.
type SUBSCRIBE struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *SubscribeProperties

	Subscriptions []Subscription `json:"Subscription,omitempty"`
}

func (pkt *SUBSCRIBE) Kind() byte {
	return 0x8
}

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 1, 0
	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &SubscribeProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		propsLen, err := encodeLength(len(b))
		if err != nil {
			return err
		}
		buf.Write(propsLen)
		buf.Write(b)
	}

	for _, subscription := range pkt.Subscriptions {
		if subscription.TopicFilter == "" {
			return ErrProtocolViolationNoTopic
		}
		if subscription.MaximumQoS > 0x02 {
			return ErrProtocolViolationQosOutOfRange
		}
		buf.Write(s2b(subscription.TopicFilter))
		buf.WriteByte(subscription.MaximumQoS)
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}
func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	// Fixed header bits 3,2,1,0 must be 0,0,1,0; any other value must close
	// the network connection [MQTT-3.8.1-1].
	if pkt.Dup != 0x0 || pkt.QoS != 0x1 || pkt.Retain != 0x0 {
		return ErrMalformedFlags
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &SubscribeProperties{}
		}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("pkt.RemainingLength=%v err=%w", pkt.RemainingLength, err)
		}
	}
	for buf.Len() != 0 {
		subscription := Subscription{}
		subscription.TopicFilter, _ = decodeUTF8[string](buf)
		options := buf.Next(1)[0]
		subscription.MaximumQoS = options & 0b00000011
		if subscription.MaximumQoS > 0x02 {
			return ErrProtocolViolationQosOutOfRange
		}
		subscription.NoLocal = options & 0b00000100 >> 2
		subscription.RetainAsPublished = options & 0b00001000 >> 3
		subscription.RetainHandling = options & 0b00110000 >> 4
		if options&0b11000000>>6 != 0 {
			return ErrMalformedFlags
		}
		pkt.Subscriptions = append(pkt.Subscriptions, subscription)
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationNoTopic
	}
	return nil
}

// Subscription is one topic filter plus its subscription options
// [§3.8.3]. NoLocal, RetainAsPublished, and RetainHandling are v5.0-only
// and read as zero on v3.1.1.
type Subscription struct {
	// TopicFilter supports + (single level) and # (multi level, must be
	// the last character) wildcards.
	TopicFilter string

	// MaximumQoS bounds delivery to this subscription: 0, 1, or 2. 3 is
	// reserved.
	MaximumQoS uint8

	// NoLocal, when 1, stops the broker from echoing a client's own
	// publishes back to it.
	NoLocal uint8

	// RetainAsPublished, when 0, forces RETAIN=0 on forwarded messages;
	// when 1, the broker preserves the original RETAIN flag.
	RetainAsPublished uint8

	// RetainHandling: 0 always send retained messages on subscribe, 1
	// only if the subscription is new, 2 never. 3 is reserved.
	RetainHandling uint8
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s@%d", s.TopicFilter, s.MaximumQoS)
}

// SubscribeProperties is v5.0-only (0x0B subscription identifier, at most
// one per packet; 0x26 user property, any number).
type SubscribeProperties struct {
	SubscriptionIdentifier SubscriptionIdentifier
	UserProperty           UserProperty
}

func (props *SubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SubscriptionIdentifier != 0 {
		buf.WriteByte(0x0B)
		vb, err := encodeLength(props.SubscriptionIdentifier)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	if err := props.UserProperty.Pack(buf); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

func (props *SubscribeProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		uLen := uint32(0)
		switch propsCode {
		case 0x0B:
			if uLen, err = props.SubscriptionIdentifier.Unpack(buf); err != nil {
				return err
			}
		case 0x26:
			if uLen, err = props.UserProperty.Unpack(buf); err != nil {
				return err
			}
		default:
			return ErrProtocolViolation
		}
		i += uLen
	}
	return nil
}
