package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PUBLISH carries an application message between client and server
// [§3.3]. Fixed header flags: DUP (retransmit marker, must be 0 on QoS 0
// [MQTT-3.3.1-2], never propagated by a server forwarding to subscribers
// [MQTT-3.3.1-3]), QoS (0/1/2, 3 is reserved [MQTT-3.3.1-4]), RETAIN
// (store-and-deliver-to-future-subscribers semantics [MQTT-3.3.1-5..12]).
// Variable header: topic name (must not contain wildcards
// [MQTT-3.3.2-2]), packet id (only when QoS > 0 [MQTT-2.3.1-5]), and on
// v5.0 a properties section. The receiver must answer per QoS
// [MQTT-3.3.4-1]: QoS 0 no response, QoS 1 PUBACK, QoS 2 PUBREC.
type PUBLISH struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// PacketID is required for QoS > 0 (range 1-65535) and absent for
	// QoS 0 [MQTT-2.3.1-5].
	PacketID uint16 `json:"PacketID,omitempty"`

	Message *Message `json:"message,omitempty"`

	// Props is v5.0-only: topic alias, message expiry, payload format,
	// and related publish options [§3.3.2.3].
	Props *PublishProperties `json:"properties,omitempty"`
}

func (pkt *PUBLISH) Kind() byte {
	return 0x3
}

func (pkt *PUBLISH) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.FixedHeader == nil {
		return fmt.Errorf("FixedHeader is nil")
	}

	if pkt.FixedHeader.QoS == 3 {
		return fmt.Errorf("invalid QoS value: %d, QoS bits 11 (0b11) are reserved and must not be used [MQTT-3.3.1-4]", pkt.FixedHeader.QoS)
	}

	// Topic name may be empty only when a v5.0 topic alias carries it instead [MQTT-3.3.2-3.4].
	aliased := pkt.Version == VERSION500 && pkt.Props != nil && pkt.Props.TopicAlias != 0
	if pkt.Message.TopicName == "" && !aliased {
		return fmt.Errorf("topic name cannot be empty [MQTT-3.3.2-1]")
	}

	if strings.Contains(pkt.Message.TopicName, "+") || strings.Contains(pkt.Message.TopicName, "#") {
		return fmt.Errorf("topic name cannot contain wildcard characters [MQTT-3.3.2-2]")
	}

	if strings.Contains(pkt.Message.TopicName, " ") {
		return fmt.Errorf("topic name cannot contain space characters")
	}

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.FixedHeader.QoS > 0 {
		if pkt.PacketID == 0 {
			return fmt.Errorf("packet identifier must be greater than 0 for QoS > 0 [MQTT-2.3.1-1]")
		}
		buf.Write(i2b(pkt.PacketID))
	}
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &PublishProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		propsLen, err := encodeLength(len(b))
		if err != nil {
			return err
		}

		_, err = buf.Write(propsLen)
		if err != nil {
			return err
		}

		_, err = buf.Write(b)
		if err != nil {
			return err
		}
	}

	if _, err := buf.Write(pkt.Message.Content); err != nil {
		return err
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}

	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	topicLength := int(binary.BigEndian.Uint16(buf.Next(2)))

	if topicLength == 0 {
		return fmt.Errorf("topic name cannot be empty [MQTT-3.3.2-1]")
	}

	pkt.Message = &Message{TopicName: string(buf.Next(topicLength))}
	if strings.Contains(pkt.Message.TopicName, "+") || strings.Contains(pkt.Message.TopicName, "#") {
		return fmt.Errorf("topic name cannot contain wildcard characters [MQTT-3.3.2-2]")
	}

	if strings.Contains(pkt.Message.TopicName, " ") {
		return fmt.Errorf("topic name cannot contain space characters")
	}
	if pkt.FixedHeader.QoS > 0 {
		if buf.Len() < 2 {
			return fmt.Errorf("insufficient data for packet identifier")
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

		if pkt.PacketID == 0 {
			return fmt.Errorf("packet identifier must be greater than 0 for QoS > 0 [MQTT-2.3.1-1]")
		}
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &PublishProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("pkt.RemainingLength=%v err=%w", pkt.RemainingLength, err)
		}
	}

	// Deep-copy: buf.Bytes() aliases the buffer's backing array, which
	// gets reused once the buffer is returned to the pool.
	pkt.Message.Content = append([]byte{}, buf.Bytes()...)
	return nil
}

// Message is a PUBLISH payload: topic name plus application content
// [§3.3.3]. v5.0 attaches richer per-message metadata via
// PublishProperties rather than on Message itself.
type Message struct {
	// TopicName must be non-empty, UTF-8, and free of wildcards and
	// spaces [MQTT-3.3.2-2].
	TopicName string

	// Content is the raw application payload; a zero-length payload is
	// valid.
	Content []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s # %s", m.TopicName, m.Content)
}

// PublishProperties is v5.0-only [§3.3.2.3]. PayloadFormatIndicator
// (0x01), MessageExpiryInterval (0x02), TopicAlias (0x23, must be > 0
// and scoped to the current connection), ResponseTopic (0x08),
// CorrelationData (0x09), and ContentType (0x03) may each appear at most
// once; UserProperty (0x26) and SubscriptionIdentifier (0x0B) may repeat.
type PublishProperties struct {
	PayloadFormatIndicator PayloadFormatIndicator
	MessageExpiryInterval  MessageExpiryInterval
	TopicAlias             TopicAlias
	ResponseTopic          ReasonString
	CorrelationData        CorrelationData
	UserProperty           map[string][]string
	SubscriptionIdentifier []uint32
	ContentType            ContentType
}

func (props *PublishProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}

	uLen := uint32(0)

	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(buf)
		if err != nil {
			return err
		}
		switch propsId {
		case 0x01: // Payload Format Indicator

			if uLen, err = props.PayloadFormatIndicator.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack PayloadFormatIndicator: %w", err)
			}

		case 0x02: // Message Expiry Interval
			if uLen, err = props.MessageExpiryInterval.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack MessageExpiryInterval: %w", err)
			}

		case 0x23: // Topic Alias
			if uLen, err = props.TopicAlias.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack TopicAlias: %w", err)
			}

		case 0x08: // Response Topic
			if uLen, err = props.ResponseTopic.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack ResponseTopic: %w", err)
			}

		case 0x09: // Correlation Data
			if uLen, err = props.CorrelationData.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack CorrelationData: %w", err)
			}

		case 0x26: // User Property
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}

			userProperty := &UserProperty{}
			if uLen, err = userProperty.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack UserProperty: %w", err)
			}
			props.UserProperty[userProperty.Name] = append(props.UserProperty[userProperty.Name], userProperty.Value)

		case 0x0B: // Subscription Identifier
			var subscriptionIdentifier SubscriptionIdentifier
			if uLen, err = subscriptionIdentifier.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack SubscriptionIdentifier: %w", err)
			}
			props.SubscriptionIdentifier = append(props.SubscriptionIdentifier, subscriptionIdentifier.Uint32())

		case 0x03: // Content Type
			if uLen, err = props.ContentType.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack ContentType: %w", err)
			}
		default:
			return fmt.Errorf("unknown property identifier: 0x%02X", propsId)
		}
		i += uLen
	}

	return nil
}

func (props *PublishProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := props.PayloadFormatIndicator.Pack(buf); err != nil {
		return nil, err
	}

	if err := props.MessageExpiryInterval.Pack(buf); err != nil {
		return nil, err
	}

	if err := props.TopicAlias.Pack(buf); err != nil {
		return nil, err
	}

	if err := props.ResponseTopic.Pack(buf); err != nil {
		return nil, err
	}

	if err := props.CorrelationData.Pack(buf); err != nil {
		return nil, err
	}

	for k, values := range props.UserProperty {
		for i := range values {
			if err := (&UserProperty{Name: k, Value: values[i]}).Pack(buf); err != nil {
				return nil, err
			}
		}
	}

	if len(props.SubscriptionIdentifier) != 0 {
		for _, subscriptionIdentifier := range props.SubscriptionIdentifier {
			buf.WriteByte(0x0B)
			v, err := encodeLength(subscriptionIdentifier)
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
	}

	if err := props.ContentType.Pack(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil

}
