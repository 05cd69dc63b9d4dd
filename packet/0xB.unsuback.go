package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBACK acknowledges an UNSUBSCRIBE [§3.11]. Fixed header flags
// (DUP/QoS/RETAIN) must all be 0. v3.1.1 carries no payload beyond the
// packet id; v5.0 adds properties and a per-filter reason code.
type UNSUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// PacketID ties this UNSUBACK to its UNSUBSCRIBE [§2.3.1].
	PacketID uint16 `json:"PacketID,omitempty"`

	// Props is v5.0-only: reason string and user properties [§3.11.2.2].
	Props *UnsubackProperties

	// ReasonCode is v5.0-only, one entry per filter [§3.11.3].
	ReasonCode []ReasonCode `json:"ReasonCode,omitempty"`
}

func (pkt *UNSUBACK) Kind() byte {
	return 0xB
}

func (pkt *UNSUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &UnsubackProperties{}
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

		for _, reason := range pkt.ReasonCode {
			buf.WriteByte(reason.Code)
		}
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err

}
func (pkt *UNSUBACK) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	switch pkt.Version {
	case VERSION500:
		pkt.Props = &UnsubackProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
		for buf.Len() != 0 {
			code := buf.Next(1)[0]
			if !isValidUnsubackReasonCode(code) {
				return ErrMalformedReasonCode
			}
			pkt.ReasonCode = append(pkt.ReasonCode, ReasonCode{Code: code})
		}
	case VERSION311:
		// v3.1.1 UNSUBACK carries only the packet id; no reason codes.
	case VERSION310:
		return ErrUnsupportedProtocolVersion
	default:
		return ErrMalformedProtocolVersion
	}
	return nil
}

// isValidUnsubackReasonCode validates v5 UNSUBACK reason bytes with its own
// table rather than delegating to SUBACK's parser under a shared type token:
// UNSUBACK additionally legalizes 0x11 (No subscription existed), which is
// meaningless for SUBACK.
func isValidUnsubackReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x11:
		return true
	}
	return code >= 0x80
}

// UnsubackProperties is the v5.0 UNSUBACK properties section [§3.11.2.2].
type UnsubackProperties struct {
	// ReasonString (0x1F): a diagnostic string not meant to be parsed by
	// the client; repeating it is a protocol error.
	ReasonString string

	// UserProperty (0x26) may repeat; name/value pairs are
	// application-defined.
	UserProperty map[string][]string
}

func (props *UnsubackProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

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
	return buf.Bytes(), nil
}

func (props *UnsubackProperties) Unpack(buf *bytes.Buffer) error {
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
		case 0x1F:
			if props.ReasonString != "" {
				return ErrProtocolErr
			}
			props.ReasonString, i = decodeUTF8[string](buf), i+uint32(len(props.ReasonString))
		case 0x26:
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			key := decodeUTF8[string](buf)
			props.UserProperty[key] = append(props.UserProperty[key], decodeUTF8[string](buf))
		}
	}
	return nil
}
