package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/golang-io/requests"
)

// NAME is the fixed MQTT protocol name field: 0x00 0x04 'M' 'Q' 'T' 'T'.
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// CONNECT opens a session [§3.1]. A client may send at most one CONNECT per
// network connection; a server that receives a second one must treat it as
// a protocol violation and close the connection [MQTT-3.1.0-2].
//
// Variable header: protocol name, protocol level, connect flags, keep
// alive, and on v5.0 a properties section. Payload: client id, then
// (if WillFlag is set) will properties/topic/payload, then (if the
// corresponding flags are set) username and password.
type CONNECT struct {
	*FixedHeader

	// Protocol Name and Protocol Level are not stored as fields: Name is a
	// fixed constant and Level is carried on FixedHeader.Version so every
	// packet type can see which wire format applies.

	// ConnectFlags packs UserNameFlag, PasswordFlag, WillRetain, WillQoS,
	// WillFlag, CleanStart/CleanSession and a reserved bit into one byte
	// [§3.1.2.2].
	ConnectFlags ConnectFlags

	// KeepAlive is the maximum interval, in seconds, between client
	// messages; the client must send PINGREQ if nothing else is sent
	// within this window. 0 disables the keepalive mechanism [§3.1.2.10].
	KeepAlive uint16

	// Props is v5.0-only connection-level properties: session expiry,
	// receive maximum, max packet size, topic alias maximum, and so on
	// [§3.1.2.11].
	Props *ConnectProperties `json:"Properties,omitempty"`

	// ClientID must be UTF-8, 1-23 characters; an empty value asks the
	// server to assign one, and is not permitted when CleanStart is false.
	ClientID string `json:"ClientID,omitempty"`

	// WillProperties is v5.0-only and present only when WillFlag is set
	// [§3.1.3.2].
	WillProperties *WillProperties `json:"Will,omitempty"`

	// WillTopic is present only when WillFlag is set; the server publishes
	// WillPayload to it if the client disconnects ungracefully.
	WillTopic string

	// WillPayload is the will message body, present only when WillFlag is
	// set.
	WillPayload []byte

	// Username is present only when UserNameFlag is set.
	Username string `json:"Username,omitempty"`

	// Password is present only when PasswordFlag is set. Despite the name
	// it may carry any authentication token, not just a text password.
	Password string `json:"Password,omitempty"`

	// NoCleanStart, when true, clears the CleanStart/CleanSession bit so
	// the broker resumes an existing session rather than starting fresh.
	// Zero value (false) preserves the historical behavior of always
	// requesting a clean session.
	NoCleanStart bool `json:"NoCleanStart,omitempty"`
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func (pkt *CONNECT) String() string {
	return "[0x1]CONNECT"
}

// Pack serializes CONNECT: protocol name/level, connect flags, keep alive,
// properties (v5.0), then the payload fields in order [§3.1].
func (pkt *CONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(NAME)
	buf.WriteByte(pkt.FixedHeader.Version)

	uf := s2i(pkt.Username) // UserNameFlag - bit 7
	pf := s2i(pkt.Password) // PasswordFlag - bit 6
	wr := uint8(0)          // WillRetain - bit 5
	wq := uint8(0)          // WillQoS - bits 4-3
	wf := uint8(0)          // WillFlag - bit 2
	cs := uint8(0)          // CleanStart/CleanSession - bit 1
	// Reserved - bit 0, always 0.

	if pkt.WillTopic != "" || pkt.WillPayload != nil {
		wf = 1

		// Pack always writes will QoS 1 and will retain 0; the will bits
		// of pkt.ConnectFlags are not read. WillProperties covers the
		// rest of the will metadata.
		if wq == 0 {
			wq = 1
		}
	} else {
		wf, wq, wr = 0, 0, 0
	}

	// Default to a clean session unless the caller asks to resume one.
	cs = 1
	if pkt.NoCleanStart {
		cs = 0
	}

	flag := uf<<7 | pf<<6 | wr<<5 | wq<<3 | wf<<2 | cs<<1
	buf.WriteByte(flag)

	buf.Write(i2b(pkt.KeepAlive))

	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnectProperties{}
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

	if len(pkt.ClientID) > 23 {
		return fmt.Errorf("client ID too long: %d characters, maximum allowed is 23", len(pkt.ClientID))
	}
	buf.Write(s2b(pkt.ClientID))

	if wf == 1 {
		if pkt.Version == VERSION500 && pkt.WillProperties != nil {
			b, err := pkt.WillProperties.Pack()
			if err != nil {
				return err
			}
			buf.Write(b)
		}

		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(pkt.WillPayload))
	}

	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}

	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}

	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	name := buf.Next(6)
	if !bytes.Equal(name, NAME) {
		return fmt.Errorf("%w: Len=%d, %v", ErrMalformedProtocolName, pkt.RemainingLength, name)
	}

	pkt.Version, pkt.ConnectFlags = buf.Next(1)[0], ConnectFlags(buf.Next(1)[0])

	// The Server MUST validate that the reserved flag in the CONNECT Control
	// Packet is set to zero and disconnect the Client if it is not zero
	// [MQTT-3.1.2-3].
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrMalformedPacket
	}

	// Will QoS may be 0, 1 or 2; 3 is reserved [MQTT-3.1.2-14].
	if pkt.ConnectFlags.WillQoS() > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	// If Will Flag is 0, Will QoS and Will Retain must both be 0
	// [MQTT-3.1.2-11, MQTT-3.1.2-15].
	if !pkt.ConnectFlags.WillFlag() {
		if pkt.ConnectFlags.WillRetain() || pkt.ConnectFlags.WillQoS() != 0 {
			return ErrProtocolViolation
		}
	}

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	switch pkt.Version {
	case VERSION500:
		pkt.Props = &ConnectProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	case VERSION311:
	case VERSION310:
		return ErrUnsupportedProtocolVersion
	default:
		return ErrMalformedProtocolVersion

	}

	pkt.ClientID, _ = decodeUTF8[string](buf)
	if pkt.ClientID == "" {
		pkt.ClientID = requests.GenId()
	}

	// If Will Flag is 1, the payload must carry Will Topic and Will Message
	// [MQTT-3.1.2-9].
	if pkt.ConnectFlags.WillFlag() {
		if pkt.Version == VERSION500 {
			pkt.WillProperties = &WillProperties{}
			if err := pkt.WillProperties.Unpack(buf); err != nil {
				return err
			}
		}

		pkt.WillTopic, _ = decodeUTF8[string](buf)
		pkt.WillPayload, _ = decodeUTF8[[]byte](buf)

		if pkt.WillTopic == "" {
			return ErrProtocolViolation
		}
	}

	// If User Name Flag is 1, the payload must carry a username
	// [MQTT-3.1.2-19]; if it is 0, Password Flag must also be 0
	// [MQTT-3.1.2-22].
	if pkt.ConnectFlags.UserNameFlag() {
		pkt.Username, _ = decodeUTF8[string](buf)
	} else {
		if pkt.ConnectFlags.PasswordFlag() {
			return ErrMalformedPassword
		}
	}

	if pkt.ConnectFlags.PasswordFlag() {
		pkt.Password, _ = decodeUTF8[string](buf)
	}

	return nil
}

type Will struct {
	TopicName string
	Message   []byte
	Retain    uint8
	QoS       uint8
}

// ConnectProperties is the v5.0 CONNECT properties section [§3.1.2.11]:
// session expiry, receive maximum, max packet size, topic alias maximum,
// request response/problem information, user properties, and extended
// authentication method/data. Each scalar property may appear at most
// once; repeating one is a protocol error.
type ConnectProperties struct {
	// SessionExpiryInterval (0x11): seconds the session survives after the
	// network connection closes. 0 means the session ends immediately;
	// 0xFFFFFFFF means it never expires. If this is nonzero when the
	// connection closes, both ends must persist session state
	// [MQTT-3.1.2-23].
	SessionExpiryInterval SessionExpiryInterval

	// ReceiveMaximum (0x21): how many QoS 1/2 PUBLISH packets the client
	// will process concurrently; 0 is a protocol error. Default 65535,
	// scoped to this connection only [§4.9].
	ReceiveMaximum ReceiveMaximum

	// MaximumPacketSize (0x27): largest packet the client will accept; 0 is
	// a protocol error. Unset falls back to the remaining-length encoding
	// limit. A server that would exceed this must drop the message rather
	// than send an oversized packet [MQTT-3.1.2-24, MQTT-3.1.2-25].
	MaximumPacketSize MaximumPacketSize

	// TopicAliasMaximum (0x22): how many topic aliases the client accepts
	// from the server, default 0 meaning none [MQTT-3.1.2-26,
	// MQTT-3.1.2-27].
	TopicAliasMaximum TopicAliasMaximum

	// RequestResponseInformation (0x19): 0 or 1, default 0. Asks the
	// server to return response information in CONNACK [§4.10]; the server
	// may decline even when this is 1.
	RequestResponseInformation RequestResponseInformation

	// RequestProblemInformation (0x17): 0 or 1, default 1. When 0, the
	// server should omit reason strings/user properties outside of
	// PUBLISH, CONNACK and DISCONNECT [MQTT-3.1.2-29].
	RequestProblemInformation RequestProblemInformation

	// UserProperty (0x26) may repeat; name/value pairs are
	// application-defined.
	UserProperty map[string][]string

	// AuthenticationMethod (0x15) names an extended-authentication method
	// [§4.12]; if set, the client may not send anything but AUTH or
	// DISCONNECT before CONNACK arrives [MQTT-3.1.2-30].
	AuthenticationMethod AuthenticationMethod

	// AuthenticationData (0x16) is opaque data whose meaning is defined by
	// AuthenticationMethod; present without a method, or repeated, is a
	// protocol error.
	AuthenticationData AuthenticationData
}

func (props *ConnectProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		props.SessionExpiryInterval.Pack(buf)
	}
	if props.ReceiveMaximum != 0 {
		props.ReceiveMaximum.Pack(buf)
	}
	if props.MaximumPacketSize != 0 {
		props.MaximumPacketSize.Pack(buf)
	}

	if props.TopicAliasMaximum != 0 {
		props.TopicAliasMaximum.Pack(buf)
	}
	if props.RequestResponseInformation != 0 {
		props.RequestResponseInformation.Pack(buf)
	}
	if props.RequestProblemInformation != 0 {
		props.RequestProblemInformation.Pack(buf)
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
	if props.AuthenticationMethod != "" {
		props.AuthenticationMethod.Pack(buf)
	}
	if props.AuthenticationData != nil {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	return buf.Bytes(), nil

}

func (props *ConnectProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	log.Printf("connect props unpack: propsLen=%d", propsLen)
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		uLen := uint32(0)
		switch propsCode {
		case 0x11:
			uLen, err = props.SessionExpiryInterval.Unpack(buf)
			if err != nil {
				return err
			}

		case 0x21:
			if props.ReceiveMaximum != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.ReceiveMaximum.Unpack(buf)
			if err != nil {
				return err
			}
			if props.ReceiveMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x27:
			if props.MaximumPacketSize != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.MaximumPacketSize.Unpack(buf)
			if err != nil {
				return err
			}
			if props.MaximumPacketSize == 0 {
				return ErrProtocolErr
			}
		case 0x22:
			if props.TopicAliasMaximum != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.TopicAliasMaximum.Unpack(buf)
			if err != nil {
				return err
			}
			if props.TopicAliasMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x19: // Request Response Information
			uLen, err = props.RequestResponseInformation.Unpack(buf)
			if err != nil {
				return err
			}
			if props.RequestResponseInformation != 0 && props.RequestResponseInformation != 1 {
				return ErrProtocolErr
			}

		case 0x17: // Request Problem Information
			uLen, err = props.RequestProblemInformation.Unpack(buf)
			if err != nil {
				return err
			}
			if props.RequestProblemInformation != 0 && props.RequestProblemInformation != 1 {
				return ErrProtocolErr
			}

		case 0x26:
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}

			userProperty := &UserProperty{}
			uLen, err = userProperty.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack user property: %w", err)
			}
			props.UserProperty[userProperty.Name] = append(props.UserProperty[userProperty.Name], userProperty.Value)
		case 0x15:
			uLen, err = props.AuthenticationMethod.Unpack(buf)
			if err != nil {
				return err
			}
		case 0x16:
			uLen, err = props.AuthenticationData.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack AuthenticationData: %w", err)
			}
		default:
			return ErrMalformedProperties
		}
		i += uLen
	}
	return nil
}

// WillProperties is the v5.0 will-message properties section
// [§3.1.3.2], present in the payload only when WillFlag is set: delay
// interval, payload format, expiry, content type, response topic,
// correlation data and user properties for the will message itself.
type WillProperties struct {
	PropertyLength int32

	// WillDelayInterval (0x18): seconds the server waits before publishing
	// the will message, default 0 (publish immediately on connection
	// loss). The server publishes at delay expiry or session end,
	// whichever comes first, and must not publish it at all if the client
	// reconnects with the same client id before the delay elapses and
	// CleanStart is false.
	WillDelayInterval uint32 `json:"WillDelayInterval,omitempty"`

	// PayloadFormatIndicator (0x01): 0 unspecified bytes, 1 UTF-8 text.
	PayloadFormatIndicator uint8 `json:"PayloadFormatIndicator,omitempty"`

	// MessageExpiryInterval (0x02): seconds the will message lives,
	// forwarded as the publish expiry interval when the server sends it.
	MessageExpiryInterval uint32 `json:"MessageExpiryInterval,omitempty"`

	// ContentType (0x03) describes the will payload; meaning is
	// application-defined.
	ContentType string `json:"ContentType,omitempty"`

	// ResponseTopic (0x08), if present, marks the will message as a
	// request.
	ResponseTopic string `json:"ResponseTopic,omitempty"`

	// CorrelationData (0x09) lets a requester match the will message to a
	// request; meaningful only between request sender and response
	// receiver [§4.10].
	CorrelationData []byte `json:"CorrelationData,omitempty"`

	// UserProperty (0x26): the server must preserve ordering when
	// publishing the will message [MQTT-3.1.3-10].
	UserProperty []byte
}

func (props *WillProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	// Property order must stay consistent across Pack calls.

	if props.PayloadFormatIndicator != 0 {
		buf.WriteByte(0x01)
		buf.WriteByte(props.PayloadFormatIndicator)
	}

	if props.MessageExpiryInterval != 0 {
		buf.WriteByte(0x02)
		buf.Write(i4b(props.MessageExpiryInterval))
	}

	if props.ContentType != "" {
		buf.WriteByte(0x03)
		buf.Write(encodeUTF8(props.ContentType))
	}

	if props.ResponseTopic != "" {
		buf.WriteByte(0x08)
		buf.Write(encodeUTF8(props.ResponseTopic))
	}

	if props.CorrelationData != nil {
		buf.WriteByte(0x09)
		buf.Write(encodeUTF8(props.CorrelationData))
	}

	if props.WillDelayInterval != 0 {
		buf.WriteByte(0x18)
		buf.Write(i4b(props.WillDelayInterval))
	}

	return buf.Bytes(), nil
}

func (props *WillProperties) Unpack(b *bytes.Buffer) error {
	propsLen, err := decodeLength(b)
	if err != nil {
		return err
	}

	processedProps := make(map[uint32]bool)

	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(b)
		if err != nil {
			return err
		}

		if processedProps[propsId] {
			return ErrProtocolErr // repeated property is a protocol error
		}
		processedProps[propsId] = true

		switch propsId {
		case 0x01: // Payload Format Indicator
			props.PayloadFormatIndicator = b.Next(1)[0]
			i += 1
			if props.PayloadFormatIndicator > 1 {
				return ErrProtocolErr
			}

		case 0x02: // Message Expiry Interval
			props.MessageExpiryInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4

		case 0x03: // Content Type
			props.ContentType, _ = decodeUTF8[string](b)
			i += uint32(len(props.ContentType))

		case 0x08: // Response Topic
			props.ResponseTopic, _ = decodeUTF8[string](b)
			i += uint32(len(props.ResponseTopic))

		case 0x09: // Correlation Data
			props.CorrelationData, _ = decodeUTF8[[]byte](b)
			i += uint32(len(props.CorrelationData))

		case 0x18: // Will Delay Interval
			props.WillDelayInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4

		default:
			return ErrMalformedWillProperties
		}
	}
	return nil
}

// ConnectFlags packs the 8 connect-flag bits [§3.1.2.2]:
//
//	bit 7: UserNameFlag      payload carries a username [MQTT-3.1.2-18/19]
//	bit 6: PasswordFlag      payload carries a password; requires bit 7 [MQTT-3.1.2-20/21/22]
//	bit 5: WillRetain        will message is retained [MQTT-3.1.2-15/16/17]
//	bit 4-3: WillQoS         0-2, 3 is reserved [MQTT-3.1.2-11/14]
//	bit 2: WillFlag          payload carries Will Topic/Message [MQTT-3.1.2-9/12/13]
//	bit 1: CleanStart/CleanSession
//	bit 0: Reserved          must be 0 [MQTT-3.1.2-3]
type ConnectFlags uint8

func (f ConnectFlags) Reserved() uint8 {
	return uint8(f) & 0x01
}

// CleanStart (v3.1.1: CleanSession) requests a fresh session when true.
func (f ConnectFlags) CleanStart() bool {
	return (uint8(f) & 0x02) == 0x02
}

func (f ConnectFlags) WillFlag() bool {
	return (uint8(f) & 0x04) == 0x04
}

func (f ConnectFlags) WillQoS() uint8 {
	return (uint8(f) & 0x18) >> 3
}

func (f ConnectFlags) WillRetain() bool {
	return (uint8(f) & 0x20) == 0x20
}

func (f ConnectFlags) UserNameFlag() bool {
	return (uint8(f) & 0x80) == 0x80
}

func (f ConnectFlags) PasswordFlag() bool {
	return (uint8(f) & 0x40) == 0x40
}
