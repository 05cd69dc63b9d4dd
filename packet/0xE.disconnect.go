package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DISCONNECT notifies the peer the connection is ending [§3.14]. Flags
// fixed at DUP=0, QoS=0, RETAIN=0 [MQTT-3.14.1-1]. v3.1.1 has no payload
// at all; v5.0 adds a reason code and properties. A server must not send
// DISCONNECT before it has sent a CONNACK with a reason code below 0x80
// [MQTT-3.14.0-1].
type DISCONNECT struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	// ReasonCode is absent (implicitly 0x00 normal disconnection) when
	// the remaining length is 0; common values also include 0x04
	// (disconnect with will message), 0x8C (use another server), 0x8D
	// (server busy).
	ReasonCode ReasonCode

	Props *DisconnectProperties
}

func NewDISCONNECT(version byte, reasonCode ReasonCode) *DISCONNECT {
	return &DISCONNECT{
		FixedHeader: &FixedHeader{
			Kind:            0x0E,
			Dup:             0,
			QoS:             0,
			Retain:          0,
			RemainingLength: 0,
			Version:         version,
		},
		ReasonCode: reasonCode,
		Props:      &DisconnectProperties{},
	}
}

func (pkt *DISCONNECT) Validate() error {
	if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
		return fmt.Errorf("DISCONNECT packet flags must be 0, got Dup:%d QoS:%d Retain:%d", pkt.Dup, pkt.QoS, pkt.Retain)
	}

	if !isValidDisconnectReasonCode(pkt.ReasonCode.Code) {
		return fmt.Errorf("invalid DISCONNECT reason code: 0x%02X", pkt.ReasonCode.Code)
	}

	if pkt.Props != nil {
		if err := pkt.Props.Validate(); err != nil {
			return fmt.Errorf("DISCONNECT properties validation failed: %w", err)
		}
	}

	return nil
}

func isValidDisconnectReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x04, 0x80, 0x81, 0x82, 0x8C, 0x8D, 0x9C, 0x9D:
		return true
	default:
		return false
	}
}

func (pkt *DISCONNECT) Kind() byte {
	return 0xE
}

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	if err := pkt.Validate(); err != nil {
		return fmt.Errorf("DISCONNECT packet validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)
	}

	if pkt.Version == VERSION500 && pkt.Props != nil {
		propsData, err := pkt.Props.Pack()
		if err != nil {
			return fmt.Errorf("failed to pack DISCONNECT properties: %w", err)
		}

		propsLen, err := encodeLength(len(propsData))
		if err != nil {
			return fmt.Errorf("failed to encode properties length: %w", err)
		}
		buf.Write(propsLen)
		buf.Write(propsData)
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return fmt.Errorf("failed to pack DISCONNECT fixed header: %w", err)
	}

	_, err := buf.WriteTo(w)
	return err
}

// Unpack defaults ReasonCode to 0x00 (normal disconnection) when the
// remaining length leaves nothing to read, per §3.14.2.1.
func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error {
	if buf.Len() >= 1 {
		reasonCodeByte := buf.Next(1)[0]
		pkt.ReasonCode = ReasonCode{Code: reasonCodeByte}

		if pkt.Version == VERSION500 && !isValidDisconnectReasonCode(reasonCodeByte) {
			return fmt.Errorf("invalid DISCONNECT reason code: 0x%02X", reasonCodeByte)
		}
	} else {
		pkt.ReasonCode = ReasonCode{Code: 0x00}
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &DisconnectProperties{}

		if buf.Len() > 0 {
			if err := pkt.Props.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack DISCONNECT properties: %w", err)
			}
		}
	}

	return nil
}

// DisconnectProperties is v5.0-only. SessionExpiryInterval (0x11),
// ReasonString (0x1F), and ServerReference (0x1C) may each appear at most
// once; UserProperty (0x26) may repeat. A server must never send
// SessionExpiryInterval in its own DISCONNECT [MQTT-3.14.2-2].
// ServerReference normally accompanies reason code 0x9C or 0x9D to point
// the client at another server [§4.11].
type DisconnectProperties struct {
	SessionExpiryInterval uint32
	ReasonString          string
	UserProperty          map[string][]string
	ServerReference       string
}

func (props *DisconnectProperties) Validate() error {
	if props.ReasonString != "" {
		if !isValidUTF8String(props.ReasonString) {
			return errors.New("reason string contains invalid UTF-8")
		}
	}

	if props.ServerReference != "" {
		if !isValidUTF8String(props.ServerReference) {
			return errors.New("server reference contains invalid UTF-8")
		}
	}

	if len(props.UserProperty) > 0 {
		for key, values := range props.UserProperty {
			if !isValidUTF8String(key) {
				return fmt.Errorf("user property key contains invalid UTF-8: %s", key)
			}
			for _, value := range values {
				if !isValidUTF8String(value) {
					return fmt.Errorf("user property value contains invalid UTF-8: %s", value)
				}
			}
		}
	}

	return nil
}

func (props *DisconnectProperties) Pack() ([]byte, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("properties validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		buf.WriteByte(0x11)
		buf.Write(i4b(props.SessionExpiryInterval))
	}

	if props.ReasonString != "" {
		buf.WriteByte(0x1F)
		buf.Write(encodeUTF8(props.ReasonString))
	}

	if len(props.UserProperty) > 0 {
		for key, values := range props.UserProperty {
			for _, value := range values {
				buf.WriteByte(0x26)
				buf.Write(encodeUTF8(key))
				buf.Write(encodeUTF8(value))
			}
		}
	}

	if props.ServerReference != "" {
		buf.WriteByte(0x1C)
		buf.Write(encodeUTF8(props.ServerReference))
	}

	return buf.Bytes(), nil
}

func (props *DisconnectProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return fmt.Errorf("failed to decode properties length: %w", err)
	}

	// Only properties that must not repeat are tracked here.
	processedProps := make(map[uint8]bool)

	for i := uint32(0); i < propsLen; {
		if buf.Len() < 1 {
			return fmt.Errorf("insufficient data for property ID")
		}
		propID := buf.Next(1)[0]

		if propID == 0x11 || propID == 0x1F || propID == 0x1C { // Session Expiry Interval, Reason String, Server Reference
			if processedProps[uint8(propID)] {
				return fmt.Errorf("duplicate property ID: 0x%02X", propID)
			}
			processedProps[uint8(propID)] = true
		}

		switch propID {
		case 0x11: // Session Expiry Interval
			if props.SessionExpiryInterval != 0 {
				return fmt.Errorf("duplicate session expiry interval")
			}
			props.SessionExpiryInterval = binary.BigEndian.Uint32(buf.Next(4))
			i += 5 // +5 for property ID and 4-byte value

		case 0x1F: // Reason String
			props.ReasonString, _ = decodeUTF8[string](buf)
			i += uint32(len(props.ReasonString)) + 3 // +3 for property ID and length

		case 0x26: // User Property
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			key, _ := decodeUTF8[string](buf)
			value, _ := decodeUTF8[string](buf)
			props.UserProperty[key] = append(props.UserProperty[key], value)
			i += uint32(len(key)+len(value)) + 5 // +5 for property ID and two lengths

		case 0x1C: // Server Reference
			if props.ServerReference != "" {
				return fmt.Errorf("duplicate server reference")
			}
			props.ServerReference, _ = decodeUTF8[string](buf)
			i += uint32(len(props.ServerReference)) + 3 // +3 for property ID and length

		default:
			return fmt.Errorf("unknown DISCONNECT property ID: 0x%02X", propID)
		}
	}

	return props.Validate()
}

func (pkt *DISCONNECT) String() string {
	if pkt == nil {
		return "DISCONNECT<nil>"
	}

	result := fmt.Sprintf("DISCONNECT{ReasonCode:0x%02X", pkt.ReasonCode.Code)

	if pkt.Props != nil {
		if pkt.Props.SessionExpiryInterval != 0 {
			result += fmt.Sprintf(", SessionExpiry:%d", pkt.Props.SessionExpiryInterval)
		}
		if pkt.Props.ReasonString != "" {
			result += fmt.Sprintf(", Reason:%s", pkt.Props.ReasonString)
		}
		if len(pkt.Props.UserProperty) > 0 {
			result += fmt.Sprintf(", UserProps:%d", len(pkt.Props.UserProperty))
		}
		if pkt.Props.ServerReference != "" {
			result += fmt.Sprintf(", ServerRef:%s", pkt.Props.ServerReference)
		}
	}

	result += "}"
	return result
}
