package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// SUBACK acknowledges a SUBSCRIBE [§3.9]: one reason code per filter, in
// the same order the filters appeared in the request. Fixed header flags
// (DUP/QoS/RETAIN) must all be 0.
type SUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// PacketID ties this SUBACK to its SUBSCRIBE [§2.3.1].
	PacketID uint16 `json:"PacketID,omitempty"`

	// SubackProps is v5.0-only: reason string and user properties
	// [§3.9.2.2].
	SubackProps *SubackProperties

	// ReasonCode holds one entry per subscribed filter: granted QoS
	// (0x00/0x01/0x02) or 0x80 failure on v3.1.1; the full v5.0 reason
	// table on v5.0.
	ReasonCode []ReasonCode `json:"ReasonCode,omitempty"`
}

func (pkt *SUBACK) Kind() byte {
	return 0x9
}

func (pkt *SUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if len(pkt.ReasonCode) == 0 {
		return ErrMalformedReasonCode
	}
	buf.Write(i2b(pkt.PacketID))

	if pkt.Version == VERSION500 {
		if pkt.SubackProps == nil {
			pkt.SubackProps = &SubackProperties{}
		}
		b, err := pkt.SubackProps.Pack()
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

	for _, reason := range pkt.ReasonCode {
		if !isValidSubackReasonCode(pkt.Version, reason.Code) {
			return ErrMalformedReasonCode
		}
		buf.WriteByte(reason.Code)
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBACK) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		pkt.SubackProps = &SubackProperties{}
		if err := pkt.SubackProps.Unpack(buf); err != nil {
			return err
		}
	}

	for buf.Len() != 0 {
		reason := ReasonCode{Code: buf.Next(1)[0]}
		if !isValidSubackReasonCode(pkt.Version, reason.Code) {
			return ErrMalformedReasonCode
		}
		pkt.ReasonCode = append(pkt.ReasonCode, reason)
	}
	return nil
}

// isValidSubackReasonCode reports whether code is a legal per-filter SUBACK
// reason byte for the given protocol version. v3.1/v3.1.1 only ever carries
// the three grant codes plus the single 0x80 failure code; v5.0 opens up the
// full table of granular failure reasons (0x83, 0x87, 0x8F, 0x91, 0x97, 0x99,
// 0x9A, 0x9C, 0x9E, 0xA1, 0xA2 among others), so rejecting anything above
// 0x02 — as a v3-only reader would — is wrong for v5.
func isValidSubackReasonCode(version byte, code uint8) bool {
	if version != VERSION500 {
		switch code {
		case 0x00, 0x01, 0x02, 0x80:
			return true
		default:
			return false
		}
	}
	switch code {
	case 0x00, 0x01, 0x02: // granted QoS 0/1/2
		return true
	}
	return code >= 0x80
}

// SubackProperties is the v5.0 SUBACK properties section [§3.9.2.2].
type SubackProperties struct {
	// ReasonString (0x1F): a diagnostic string not meant to be parsed by
	// the client; repeating it is a protocol error.
	ReasonString ReasonString

	// UserProperty (0x26) may repeat; name/value pairs are
	// application-defined.
	UserProperty UserProperty
}

func (props *SubackProperties) Pack() ([]byte, error) {
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

func (props *SubackProperties) Unpack(buf *bytes.Buffer) error {
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
			uLen += 2 // length prefix
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
