package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBCOMP is step 3, the final step, of the QoS 2 handshake [§3.7]. Flags
// DUP=0/QoS=0/RETAIN=0. v3.1.1 carries only the packet id; v5.0 adds a
// reason code (0x00 success, 0x92 packet id not found) and properties.
type PUBCOMP struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	ReasonCode ReasonCode

	Props *PubcompProperties
}

func (pkt *PUBCOMP) Kind() byte {
	return 0x7
}

func (pkt *PUBCOMP) Pack(w io.Writer) error {
	pkt.Dup = 0
	pkt.QoS = 0
	pkt.Retain = 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		pkt.Props = &PubcompProperties{}
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

func (pkt *PUBCOMP) Unpack(buf *bytes.Buffer) error {

	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.ReasonCode.Code = buf.Next(1)[0]

		pkt.Props = &PubcompProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubcompProperties is v5.0-only (0x1F reason string, 0x26 user property).
type PubcompProperties struct {
	ReasonString ReasonString
	UserProperty UserProperty
}

func (props *PubcompProperties) Pack() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := props.ReasonString.Pack(buf); err != nil {
		return nil, err
	}
	if err := props.UserProperty.Pack(buf); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *PubcompProperties) Unpack(buf *bytes.Buffer) error {
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
		case 0x1F: // ReasonString
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
				return err
			}
		case 0x26:
			if uLen, err = props.UserProperty.Unpack(buf); err != nil {
				return err
			}
		}
		i += uLen
	}
	return nil
}
