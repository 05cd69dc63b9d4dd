package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// AUTH carries an enhanced-authentication exchange and exists only in
// v5.0 [§3.15]; v3.1.1 has no equivalent packet type. Flags fixed at
// DUP=0, QoS=0, RETAIN=0 [MQTT-3.15.1-1]. A client or server can use it
// to continue a multi-round SASL-style handshake after CONNECT, or to
// re-authenticate an established connection.
type AUTH struct {
	*FixedHeader

	// ReasonCode is required: 0x00 success, 0x18 continue
	// authentication, 0x19 re-authenticate.
	ReasonCode ReasonCode

	Props *AuthProperties
}

func NewAUTH(version byte, reasonCode ReasonCode) *AUTH {
	return &AUTH{
		FixedHeader: &FixedHeader{
			Kind:            0x0F,
			Dup:             0,
			QoS:             0,
			Retain:          0,
			RemainingLength: 0,
			Version:         version,
		},
		ReasonCode: reasonCode,
		Props:      &AuthProperties{},
	}
}

func (pkt *AUTH) Validate() error {
	if pkt.Version != VERSION500 {
		return fmt.Errorf("AUTH packet not supported in MQTT v3.1.1")
	}

	if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
		return fmt.Errorf("AUTH packet flags must be 0, got Dup:%d QoS:%d Retain:%d", pkt.Dup, pkt.QoS, pkt.Retain)
	}

	if !isValidAuthReasonCode(pkt.ReasonCode.Code) {
		return fmt.Errorf("invalid AUTH reason code: 0x%02X", pkt.ReasonCode.Code)
	}

	if pkt.Props != nil {
		if err := pkt.Props.Validate(); err != nil {
			return fmt.Errorf("AUTH properties validation failed: %w", err)
		}
	}

	return nil
}

func isValidAuthReasonCode(code uint8) bool {
	switch code {
	case 0x00, 0x18, 0x19: // Success, Continue authentication, Re-authenticate
		return true
	default:
		return false
	}
}

func (pkt *AUTH) Kind() byte {
	return 0xF
}

func (pkt *AUTH) Pack(w io.Writer) error {
	if err := pkt.Validate(); err != nil {
		return fmt.Errorf("AUTH packet validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(pkt.ReasonCode.Code)

	// v5.0-only.
	if pkt.Version == VERSION500 && pkt.Props != nil {
		propsData, err := pkt.Props.Pack()
		if err != nil {
			return fmt.Errorf("failed to pack AUTH properties: %w", err)
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
		return fmt.Errorf("failed to pack AUTH fixed header: %w", err)
	}

	_, err := buf.WriteTo(w)
	return err
}

func (pkt *AUTH) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 1 {
		return errors.New("insufficient data for AUTH reason code")
	}

	reasonCodeByte := buf.Next(1)[0]
	pkt.ReasonCode = ReasonCode{Code: reasonCodeByte}

	if !isValidAuthReasonCode(reasonCodeByte) {
		return fmt.Errorf("invalid AUTH reason code: 0x%02X", reasonCodeByte)
	}

	if pkt.Version == VERSION500 && buf.Len() > 0 {
		pkt.Props = &AuthProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return fmt.Errorf("failed to unpack AUTH properties: %w", err)
		}
	}

	return nil
}

// AuthProperties is v5.0-only. AuthenticationMethod (0x15) and
// AuthenticationData (0x16) may each appear at most once; data without a
// method is a protocol error. ReasonString (0x1F) is single-valued;
// UserProperty (0x26) may repeat.
type AuthProperties struct {
	AuthenticationMethod AuthenticationMethod
	AuthenticationData   AuthenticationData
	ReasonString         ReasonString
	UserProperty         map[string][]string
}

func (props *AuthProperties) Validate() error {
	if props.AuthenticationData != nil && props.AuthenticationMethod == "" {
		return errors.New("authentication data cannot be present without authentication method")
	}

	if props.AuthenticationMethod != "" {
		if !isValidUTF8String(string(props.AuthenticationMethod)) {
			return errors.New("authentication method contains invalid UTF-8")
		}
	}

	if props.ReasonString != "" {
		if !isValidUTF8String(string(props.ReasonString)) {
			return errors.New("reason string contains invalid UTF-8")
		}
	}

	if props.UserProperty != nil {
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

func isValidUTF8String(s string) bool {
	return utf8.ValidString(s)
}

func (props *AuthProperties) Pack() ([]byte, error) {
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("properties validation failed: %w", err)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(0x15)
	buf.Write(encodeUTF8(props.AuthenticationMethod))

	if props.AuthenticationData != nil {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
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

	return buf.Bytes(), nil
}

func (props *AuthProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return fmt.Errorf("failed to decode properties length: %w", err)
	}

	processedProps := make(map[uint8]bool)

	for i := uint32(0); i < propsLen; {
		propID, err := decodeLength(buf)
		if err != nil {
			return fmt.Errorf("failed to decode property ID: %w", err)
		}

		if propID != 0x26 { // User Property may repeat
			if processedProps[uint8(propID)] {
				return fmt.Errorf("duplicate property ID: 0x%02X", propID)
			}
			processedProps[uint8(propID)] = true
		}
		uLen := uint32(0)
		switch propID {
		case 0x15: // Authentication Method

			if uLen, err = props.AuthenticationMethod.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack AuthenticationMethod: %w", err)
			}

		case 0x16: // Authentication Data
			if uLen, err = props.AuthenticationData.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack AuthenticationData: %w", err)
			}

		case 0x1F: // Reason String
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
				return fmt.Errorf("failed to unpack ReasonString: %w", err)
			}

		case 0x26: // User Property
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			userProperty := &UserProperty{}
			uLen, err = userProperty.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack user property: %w", err)
			}
			props.UserProperty[userProperty.Name] = append(props.UserProperty[userProperty.Name], userProperty.Value)

		default:
			return fmt.Errorf("unknown AUTH property ID: 0x%02X", propID)
		}
		if propID != 0x26 {
			uLen += 2 // length prefix of the string or binary value
		}
		i += 1 + uLen // property ID byte
	}

	return props.Validate()
}

func (pkt *AUTH) String() string {
	if pkt == nil {
		return "AUTH<nil>"
	}

	result := fmt.Sprintf("AUTH{ReasonCode:0x%02X", pkt.ReasonCode.Code)

	if pkt.Props != nil {
		if pkt.Props.AuthenticationMethod != "" {
			result += fmt.Sprintf(", Method:%s", pkt.Props.AuthenticationMethod)
		}
		if pkt.Props.AuthenticationData != nil {
			result += fmt.Sprintf(", DataLen:%d", len(pkt.Props.AuthenticationData))
		}
		if pkt.Props.ReasonString != "" {
			result += fmt.Sprintf(", Reason:%s", pkt.Props.ReasonString)
		}
		if len(pkt.Props.UserProperty) > 0 {
			result += fmt.Sprintf(", UserProps:%d", len(pkt.Props.UserProperty))
		}
	}

	result += "}"
	return result
}
