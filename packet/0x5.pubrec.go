package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBREC is QoS 2 step 1 [§3.5]: PUBLISH(QoS 2) -> PUBREC -> PUBREL ->
// PUBCOMP. Fixed header flags (DUP/QoS/RETAIN) must all be 0.
type PUBREC struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// PacketID must match the PUBLISH it acknowledges [§2.3.1].
	PacketID uint16 `json:"PacketID,omitempty"`

	// ReasonCode is v5.0-only; v3.1.1 has no reason code and the packet's
	// remaining length is 2. Common values: 0x00 success, 0x10 no
	// matching subscribers, 0x80 unspecified error, 0x83 implementation
	// specific error, 0x87 not authorized, 0x90 topic name invalid, 0x91
	// packet identifier in use, 0x97 quota exceeded, 0x99 payload format
	// invalid.
	ReasonCode ReasonCode

	// Props is v5.0-only.
	Props *PubrecProperties
}

func (pkt *PUBREC) Kind() byte {
	return 0x5
}

func (pkt *PUBREC) Pack(w io.Writer) error {
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 0, 0
	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		if pkt.Props == nil {
			pkt.Props = &PubrecProperties{}
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

func (pkt *PUBREC) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	// Remaining length of 2 omits the reason code, implying success
	// [MQTT v5 3.5.2.1].
	if pkt.RemainingLength == 2 {
		pkt.ReasonCode = ReasonCode{Code: 0x00}
		return nil
	}

	if pkt.Version == VERSION500 {
		pkt.ReasonCode = ReasonCode{Code: buf.Next(1)[0]}
		pkt.Props = &PubrecProperties{}
		if buf.Len() > 0 {
			if err := pkt.Props.Unpack(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// PubrecProperties is the v5.0 PUBREC properties section.
type PubrecProperties struct {
	ReasonString ReasonString
	UserProperty UserProperty
}

func (props *PubrecProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := props.ReasonString.Pack(buf); err != nil {
		return nil, err
	}
	if err := props.UserProperty.Pack(buf); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *PubrecProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(buf)
		if err != nil {
			return err
		}
		uLen := uint32(0)
		switch propsId {
		case 0x1F:
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
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
