package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// UNSUBSCRIBE requests that one or more prior subscriptions be dropped
// [§3.10]. Flags fixed at DUP=0, QoS=1, RETAIN=0. Each filter must match a
// previous SUBSCRIBE exactly. v5.0 adds a properties section after the
// packet id.
type UNSUBSCRIBE struct {
	*FixedHeader

	PacketID uint16

	Subscriptions []Subscription

	Props *UnsubscribeProperties
}

func (pkt *UNSUBSCRIBE) Kind() byte {
	return 0xA
}

func (pkt *UNSUBSCRIBE) Pack(w io.Writer) error {
	if len(pkt.Subscriptions) == 0 {
		return ErrMalformedTopic
	}
	if pkt.PacketID == 0 {
		return ErrMalformedPacketID
	}
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 1, 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &UnsubscribeProperties{}
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
		buf.Write(s2b(subscription.TopicFilter))
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}

	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.Props = &UnsubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}

	for buf.Len() != 0 {
		if buf.Len() < 2 {
			return ErrMalformedTopic
		}
		topicLength := int(binary.BigEndian.Uint16(buf.Next(2))) // topic length
		if buf.Len() < topicLength {
			return ErrMalformedTopic
		}
		subscription := Subscription{TopicFilter: string(buf.Next(topicLength))}
		pkt.Subscriptions = append(pkt.Subscriptions, subscription)
	}

	if len(pkt.Subscriptions) == 0 {
		return ErrMalformedTopic
	}

	return nil
}

// UnsubscribeProperties is v5.0-only (0x26 user property).
type UnsubscribeProperties struct {
	UserProperty map[string][]string
}

func (props *UnsubscribeProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if len(props.UserProperty) != 0 {
		for k, v := range props.UserProperty {
			for i := range v {
				buf.WriteByte(0x26)
				buf.Write(encodeUTF8(k))
				buf.Write(encodeUTF8(v[i]))
			}
		}
	}
	return buf.Bytes(), nil
}

func (props *UnsubscribeProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		switch propsCode {
		case 0x26:
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			userProperty := &UserProperty{}
			uLen, err := userProperty.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack user property: %w", err)
			}
			props.UserProperty[userProperty.Name] = append(props.UserProperty[userProperty.Name], userProperty.Value)
			i += uLen
		default:
			return ErrProtocolViolation
		}
	}
	return nil
}
