package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CONNACK acknowledges a CONNECT request [§3.2]. Flags are all 0.
// SessionPresent (bit 0 of the first variable-header byte, bits 7-6
// reserved) matters only when the client asked for a persistent session.
// A non-zero ConnectReturnCode means the server must close the network
// connection [MQTT-3.2.2-5]; v5.0 widens the code set and adds a
// properties section describing server-side limits and overrides.
type CONNACK struct {
	*FixedHeader

	SessionPresent uint8

	ConnectReturnCode ReasonCode `json:"ConnectReturnCode,omitempty"`

	Props *ConnackProps
}

func (pkt *CONNACK) Kind() byte {
	return 0x2
}

func (pkt *CONNACK) String() string {
	return fmt.Sprintf("[0x2]ConnectReturnCode=%d", pkt.ConnectReturnCode.Code)
}

func (pkt *CONNACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.SessionPresent)
	buf.WriteByte(pkt.ConnectReturnCode.Code)

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnackProps{}
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

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	pkt.SessionPresent = buf.Next(1)[0]
	pkt.ConnectReturnCode = ReasonCode{Code: buf.Next(1)[0]}

	if pkt.Version == VERSION500 {
		pkt.Props = &ConnackProps{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// ConnackProps is v5.0-only [§3.2.2.3]. Every field defaults to a
// protocol-defined value when absent: ReceiveMaximum 65535, MaximumQoS 2,
// RetainAvailable/WildcardSubscriptionAvailable/
// SubscriptionIdentifierAvailable/SharedSubscriptionAvailable 1,
// TopicAliasMaximum 0. A client must not exceed MaximumQoS or
// TopicAliasMaximum on its own PUBLISHes once these arrive
// [MQTT-3.2.2-11, MQTT-3.2.2-17]; ServerKeepAlive, if present, overrides
// the client's requested keepalive [MQTT-3.2.2-21]. ServerReference
// normally accompanies reason code 0x9C/0x9D.
type ConnackProps struct {
	SessionExpiryInterval           uint32
	ReceiveMaximum                  uint16
	MaximumQoS                      uint8
	RetainAvailable                 uint8
	MaximumPacketSize               uint32
	AssignedClientID                string
	TopicAliasMaximum               uint16
	ReasonString                    string
	UserProperty                    map[string][]string
	WildcardSubscriptionAvailable   uint8
	SubscriptionIdentifierAvailable uint8
	SharedSubscriptionAvailable     uint8
	ServerKeepAlive                 uint16
	ResponseInformation             string
	ServerReference                 string
	AuthenticationMethod            string
	AuthenticationData              []byte
}

func (props *ConnackProps) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(0x11)
		buf.Write(i4b(props.SessionExpiryInterval))
	}

	if props.ReceiveMaximum != 0 {
		buf.WriteByte(0x21)
		buf.Write(i2b(props.ReceiveMaximum))
	}

	if props.MaximumQoS != 0 {
		buf.WriteByte(0x24)
		buf.WriteByte(props.MaximumQoS)
	}

	if props.RetainAvailable != 0 {
		buf.WriteByte(0x25)
		buf.WriteByte(props.RetainAvailable)
	}

	if props.MaximumPacketSize != 0 {
		buf.WriteByte(0x27)
		buf.Write(i4b(props.MaximumPacketSize))
	}
	if props.AssignedClientID != "" {
		buf.WriteByte(0x12)
		buf.Write(encodeUTF8(props.AssignedClientID))
	}

	if props.TopicAliasMaximum != 0 {
		buf.WriteByte(0x22)
		buf.Write(i2b(props.TopicAliasMaximum))
	}
	if props.ReasonString != "" {
		buf.WriteByte(0x1F)
		buf.Write(encodeUTF8(props.ReasonString))
	}

	if len(props.UserProperty) != 0 {
		for k, v := range props.UserProperty {
			for i := range v {
				buf.WriteByte(0x26)
				buf.Write(encodeUTF8(k))
				buf.Write(encodeUTF8(v[i]))
			}
		}
	}

	if props.WildcardSubscriptionAvailable != 0 {
		buf.WriteByte(0x28)
		buf.WriteByte(props.WildcardSubscriptionAvailable)
	}

	if props.SubscriptionIdentifierAvailable != 0 {
		buf.WriteByte(0x29)
		buf.WriteByte(props.SubscriptionIdentifierAvailable)
	}

	if props.SharedSubscriptionAvailable != 0 {
		buf.WriteByte(0x2A)
		buf.WriteByte(props.SharedSubscriptionAvailable)
	}

	if props.ServerKeepAlive != 0 {
		buf.WriteByte(0x13)
		buf.Write(i2b(props.ServerKeepAlive))
	}

	if len(props.ResponseInformation) != 0 {
		buf.WriteByte(0x1A)
		buf.Write(encodeUTF8(props.ResponseInformation))
	}

	if len(props.ServerReference) != 0 {
		buf.WriteByte(0x1C)
		buf.Write(encodeUTF8(props.ServerReference))
	}

	if len(props.AuthenticationMethod) != 0 {
		buf.WriteByte(0x15)
		buf.Write(encodeUTF8(props.AuthenticationMethod))
	}

	if len(props.AuthenticationData) != 0 {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}

	return buf.Bytes(), nil

}

func (props *ConnackProps) Unpack(b *bytes.Buffer) error {
	propsLen, err := decodeLength(b)
	if err != nil {
		return err
	}

	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(b)
		if err != nil {
			return err
		}
		switch propsId {
		case 0x11: // Session Expiry Interval
			props.SessionExpiryInterval, i = binary.BigEndian.Uint32(b.Next(4)), i+4
		case 0x21:
			props.ReceiveMaximum, i = binary.BigEndian.Uint16(b.Next(2)), i+2
		case 0x24:
			props.MaximumQoS, i = b.Next(1)[0], i+1
		case 0x25:
			props.RetainAvailable, i = b.Next(1)[0], i+1
		case 0x27:
			props.MaximumPacketSize, i = binary.BigEndian.Uint32(b.Next(4)), i+4
		case 0x12:
			props.AssignedClientID, i = decodeUTF8[string](b), i+uint32(len(props.AssignedClientID))
		case 0x22:
			props.TopicAliasMaximum, i = binary.BigEndian.Uint16(b.Next(2)), i+2
		case 0x1F:
			props.ReasonString, i = decodeUTF8[string](b), i+uint32(len(props.ReasonString))
		case 0x26:
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			key := decodeUTF8[string](b)
			props.UserProperty[key] = append(props.UserProperty[key], decodeUTF8[string](b))
		case 0x28:
			props.WildcardSubscriptionAvailable, i = b.Next(1)[0], i+1
		case 0x29:
			props.SubscriptionIdentifierAvailable, i = b.Next(1)[0], i+1
		case 0x2A:
			props.SharedSubscriptionAvailable, i = b.Next(1)[0], i+1
		case 0x13:
			props.ServerKeepAlive, i = binary.BigEndian.Uint16(b.Next(2)), i+2
		case 0x1A:
			props.ResponseInformation, i = decodeUTF8[string](b), i+uint32(len(props.ResponseInformation))
		case 0x1C:
			props.ServerReference, i = decodeUTF8[string](b), i+uint32(len(props.ServerReference))
		case 0x15:
			props.AuthenticationMethod, i = decodeUTF8[string](b), i+uint32(len(props.AuthenticationMethod))
		case 0x16:
			props.AuthenticationData, i = decodeUTF8[[]byte](b), i+uint32(len(props.AuthenticationMethod))
		}
	}
	return nil
}
