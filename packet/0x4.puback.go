package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PUBACK acknowledges a QoS 1 PUBLISH [§3.4]. Flags must be DUP=0, QoS=0,
// RETAIN=0. v3.1.1 carries only the packet id; v5.0 adds a reason code and
// a properties section after it.
type PUBACK struct {
	*FixedHeader

	PacketID uint16

	// ReasonCode is v5.0-only: 0x00 success, 0x10 no matching subscribers,
	// 0x80/0x83 unspecified/implementation-specific error, etc.
	ReasonCode ReasonCode

	Props *PubackProperties
}

func (pkt *PUBACK) Kind() byte {
	return 0x4
}

func (pkt *PUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)
	pkt.RemainingLength = 2
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)
		pkt.RemainingLength += 1

		pkt.Props = &PubackProperties{}
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

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) error {

	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.ReasonCode.Code = buf.Next(1)[0]

		pkt.Props = &PubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubackProperties is v5.0-only (property id 0x1F reason string, 0x26 user
// property); v3.1.1 PUBACK has no properties section at all.
type PubackProperties struct {
	ReasonString ReasonString
	UserProperty UserProperty
}

func (props *PubackProperties) Pack() ([]byte, error) {
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

func (props *PubackProperties) Unpack(buf *bytes.Buffer) error {
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
		case 0x1F: // reason string
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
				return err
			}
		case 0x26:
			if uLen, err = props.UserProperty.Unpack(buf); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown property identifier: 0x%02X", propsId)
		}
		i += uLen
	}
	return nil
}
