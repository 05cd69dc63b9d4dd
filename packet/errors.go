package packet

import "fmt"

// ReasonCode defined here cover both the v3.1.1 CONNACK return codes and
// the v5.0 reason code system [§3.2.2.3, §4.13]. Code is the wire value;
// Reason is the English description returned by Error().

// Commented out: v3.1.1 CONNACK return codes, kept for reference.
//const (
//	SUCCESS = 0x00
//	// 0x01 unacceptable protocol version
//	// 0x02 identifier rejected
//	// 0x03 server unavailable
//	// 0x04 bad username or password
//	// 0x05 not authorized
//)

// ReasonCode is an MQTT reason/return code: a wire byte plus its English
// description.
type ReasonCode struct {
	Code   uint8
	Reason string
}

func (rc ReasonCode) Error() string {
	return fmt.Sprintf("%d:%s", rc.Code, rc.Reason)
}

var (
	// v3.1.1 CONNACK return codes [§3.2.2.3].
	Err3UnsupportedProtocolVersion = ReasonCode{Code: 0x01, Reason: "unsupported protocol version"}
	Err3ClientIdentifierNotValid   = ReasonCode{Code: 0x02, Reason: "client identifier not valid"}
	Err3ServerUnavailable          = ReasonCode{Code: 0x03, Reason: "server unavailable"}
	ErrMalformedUsernameOrPassword = ReasonCode{Code: 0x04, Reason: "malformed username or password"}
	Err3NotAuthorized              = ReasonCode{Code: 0x05, Reason: "not authorized"}

	// v5.0 success codes (0x00): the same wire value means different
	// things depending on which packet carries it.
	CodeSuccessIgnore = ReasonCode{Code: 0x00, Reason: "ignore packet"}
	CodeSuccess       = ReasonCode{Code: 0x00, Reason: "success"}
	CodeDisconnect    = ReasonCode{Code: 0x00, Reason: "disconnected"}

	// SUBACK granted-QoS codes.
	CodeGrantedQos0 = ReasonCode{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1 = ReasonCode{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2 = ReasonCode{Code: 0x02, Reason: "granted qos 2"}

	CodeDisconnectWillMessage = ReasonCode{Code: 0x04, Reason: "disconnect with will message"}

	CodeNoMatchingSubscribers = ReasonCode{Code: 0x10, Reason: "no matching subscribers"}
	CodeNoSubscriptionExisted = ReasonCode{Code: 0x11, Reason: "no subscription existed"}

	CodeContinueAuthentication = ReasonCode{Code: 0x18, Reason: "continue authentication"}
	CodeReAuthenticate         = ReasonCode{Code: 0x19, Reason: "re-authenticate"}

	// 0x80-0x82: malformed packet / protocol error.
	ErrUnspecifiedError = ReasonCode{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket  = ReasonCode{Code: 0x81, Reason: "malformed packet"}

	ErrMalformedProtocolName          = ReasonCode{Code: 0x81, Reason: "malformed packet: protocol name"}
	ErrMalformedProtocolVersion       = ReasonCode{Code: 0x81, Reason: "malformed packet: protocol version"}
	ErrMalformedFlags                 = ReasonCode{Code: 0x81, Reason: "malformed packet: flags"}
	ErrMalformedKeepalive             = ReasonCode{Code: 0x81, Reason: "malformed packet: keepalive"}
	ErrMalformedPacketID              = ReasonCode{Code: 0x81, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic                 = ReasonCode{Code: 0x81, Reason: "malformed packet: topic"}
	ErrMalformedWillTopic             = ReasonCode{Code: 0x81, Reason: "malformed packet: will topic"}
	ErrMalformedWillPayload           = ReasonCode{Code: 0x81, Reason: "malformed packet: will message"}
	ErrMalformedUsername              = ReasonCode{Code: 0x81, Reason: "malformed packet: username"}
	ErrMalformedPassword              = ReasonCode{Code: 0x81, Reason: "malformed packet: password"}
	ErrMalformedQos                   = ReasonCode{Code: 0x81, Reason: "malformed packet: qos"}
	ErrMalformedOffsetUintOutOfRange  = ReasonCode{Code: 0x81, Reason: "malformed packet: offset uint out of range"}
	ErrMalformedOffsetBytesOutOfRange = ReasonCode{Code: 0x81, Reason: "malformed packet: offset bytes out of range"}
	ErrMalformedOffsetByteOutOfRange  = ReasonCode{Code: 0x81, Reason: "malformed packet: offset byte out of range"}
	ErrMalformedOffsetBoolOutOfRange  = ReasonCode{Code: 0x81, Reason: "malformed packet: offset boolean out of range"}
	ErrMalformedInvalidUTF8           = ReasonCode{Code: 0x81, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedVariableByteInteger   = ReasonCode{Code: 0x81, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedBadProperty           = ReasonCode{Code: 0x81, Reason: "malformed packet: unknown property"}
	ErrMalformedProperties            = ReasonCode{Code: 0x81, Reason: "malformed packet: properties"}
	ErrMalformedWillProperties        = ReasonCode{Code: 0x81, Reason: "malformed packet: will properties"}
	ErrMalformedSessionPresent        = ReasonCode{Code: 0x81, Reason: "malformed packet: session present"}
	ErrMalformedReasonCode            = ReasonCode{Code: 0x81, Reason: "malformed packet: reason code"}

	ErrProtocolErr       = ReasonCode{Code: 0x82, Reason: "protocol error"}
	ErrProtocolViolation = ReasonCode{Code: 0x82, Reason: "protocol violation"}

	ErrProtocolViolationProtocolName          = ReasonCode{Code: 0x82, Reason: "protocol violation: protocol name"}
	ErrProtocolViolationProtocolVersion       = ReasonCode{Code: 0x82, Reason: "protocol violation: protocol version"}
	ErrProtocolViolationReservedBit           = ReasonCode{Code: 0x82, Reason: "protocol violation: reserved bit not 0"}
	ErrProtocolViolationFlagNoUsername        = ReasonCode{Code: 0x82, Reason: "protocol violation: username flag set but no value"}
	ErrProtocolViolationFlagNoPassword        = ReasonCode{Code: 0x82, Reason: "protocol violation: password flag set but no value"}
	ErrProtocolViolationUsernameNoFlag        = ReasonCode{Code: 0x82, Reason: "protocol violation: username set but no flag"}
	ErrProtocolViolationPasswordNoFlag        = ReasonCode{Code: 0x82, Reason: "protocol violation: password set but no flag"}
	ErrProtocolViolationPasswordTooLong       = ReasonCode{Code: 0x82, Reason: "protocol violation: password too long"}
	ErrProtocolViolationUsernameTooLong       = ReasonCode{Code: 0x82, Reason: "protocol violation: username too long"}
	ErrProtocolViolationNoPacketID            = ReasonCode{Code: 0x82, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationSurplusPacketID       = ReasonCode{Code: 0x82, Reason: "protocol violation: surplus packet id"}
	ErrProtocolViolationQosOutOfRange         = ReasonCode{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationSecondConnect         = ReasonCode{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationZeroNonZeroExpiry     = ReasonCode{Code: 0x82, Reason: "protocol violation: non-zero expiry"}
	ErrProtocolViolationRequireFirstConnect   = ReasonCode{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationWillFlagNoPayload     = ReasonCode{Code: 0x82, Reason: "protocol violation: will flag no payload"}
	ErrProtocolViolationWillFlagSurplusRetain = ReasonCode{Code: 0x82, Reason: "protocol violation: will flag surplus retain"}
	ErrProtocolViolationSurplusWildcard       = ReasonCode{Code: 0x82, Reason: "protocol violation: topic contains wildcards"}
	ErrProtocolViolationSurplusSubID          = ReasonCode{Code: 0x82, Reason: "protocol violation: contained subscription identifier"}
	ErrProtocolViolationInvalidTopic          = ReasonCode{Code: 0x82, Reason: "protocol violation: invalid topic"}
	ErrProtocolViolationInvalidSharedNoLocal  = ReasonCode{Code: 0x82, Reason: "protocol violation: invalid shared no local"}
	ErrProtocolViolationNoFilters             = ReasonCode{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationInvalidReason         = ReasonCode{Code: 0x82, Reason: "protocol violation: invalid reason"}
	ErrProtocolViolationOversizeSubID         = ReasonCode{Code: 0x82, Reason: "protocol violation: oversize subscription id"}
	ErrProtocolViolationDupNoQos              = ReasonCode{Code: 0x82, Reason: "protocol violation: dup true with no qos"}
	ErrProtocolViolationUnsupportedProperty   = ReasonCode{Code: 0x82, Reason: "protocol violation: unsupported property"}
	ErrProtocolViolationNoTopic               = ReasonCode{Code: 0x82, Reason: "protocol violation: no topic or alias"}

	// 0x83: implementation-specific.
	ErrImplementationSpecificError = ReasonCode{Code: 0x83, Reason: "implementation specific error"}
	ErrRejectPacket                = ReasonCode{Code: 0x83, Reason: "packet rejected"}

	// 0x84-0x8F: connection refused.
	ErrUnsupportedProtocolVersion = ReasonCode{Code: 0x84, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid   = ReasonCode{Code: 0x85, Reason: "client identifier not valid"}
	ErrClientIdentifierTooLong    = ReasonCode{Code: 0x85, Reason: "client identifier too long"}
	ErrBadUsernameOrPassword      = ReasonCode{Code: 0x86, Reason: "bad username or password"}
	ErrNotAuthorized              = ReasonCode{Code: 0x87, Reason: "not authorized"}
	ErrServerUnavailable          = ReasonCode{Code: 0x88, Reason: "server unavailable"}
	ErrServerBusy                 = ReasonCode{Code: 0x89, Reason: "server busy"}
	ErrBanned                     = ReasonCode{Code: 0x8A, Reason: "banned"}
	ErrServerShuttingDown         = ReasonCode{Code: 0x8B, Reason: "server shutting down"}
	ErrBadAuthenticationMethod    = ReasonCode{Code: 0x8C, Reason: "bad authentication method"}
	ErrKeepAliveTimeout           = ReasonCode{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver           = ReasonCode{Code: 0x8E, Reason: "session takeover"}
	ErrTopicFilterInvalid         = ReasonCode{Code: 0x8F, Reason: "topic filter invalid"}

	// 0x90-0xA2: runtime errors raised after the connection is established.
	ErrTopicNameInvalid                    = ReasonCode{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierInUse               = ReasonCode{Code: 0x91, Reason: "packet identifier in use"}
	ErrPacketIdentifierNotFound             = ReasonCode{Code: 0x92, Reason: "packet identifier not found"}
	ErrReceiveMaximum                      = ReasonCode{Code: 0x93, Reason: "receive maximum exceeded"}
	ErrTopicAliasInvalid                   = ReasonCode{Code: 0x94, Reason: "topic alias invalid"}
	ErrPacketTooLarge                      = ReasonCode{Code: 0x95, Reason: "packet too large"}
	ErrMessageRateTooHigh                  = ReasonCode{Code: 0x96, Reason: "message rate too high"}
	ErrQuotaExceeded                       = ReasonCode{Code: 0x97, Reason: "quota exceeded"}
	ErrPendingClientWritesExceeded         = ReasonCode{Code: 0x97, Reason: "too many pending writes"}
	ErrAdministrativeAction                = ReasonCode{Code: 0x98, Reason: "administrative action"}
	ErrPayloadFormatInvalid                = ReasonCode{Code: 0x99, Reason: "payload format invalid"}
	ErrRetainNotSupported                  = ReasonCode{Code: 0x9A, Reason: "retain not supported"}
	ErrQosNotSupported                     = ReasonCode{Code: 0x9B, Reason: "qos not supported"}
	ErrUseAnotherServer                    = ReasonCode{Code: 0x9C, Reason: "use another server"}
	ErrServerMoved                         = ReasonCode{Code: 0x9D, Reason: "server moved"}
	ErrSharedSubscriptionsNotSupported     = ReasonCode{Code: 0x9E, Reason: "shared subscriptions not supported"}
	ErrConnectionRateExceeded              = ReasonCode{Code: 0x9F, Reason: "connection rate exceeded"}
	ErrMaxConnectTime                      = ReasonCode{Code: 0xA0, Reason: "maximum connect time"}
	ErrSubscriptionIdentifiersNotSupported = ReasonCode{Code: 0xA1, Reason: "subscription identifiers not supported"}
	ErrWildcardSubscriptionsNotSupported   = ReasonCode{Code: 0xA2, Reason: "wildcard subscriptions not supported"}
)

// ErrProtocolError is an alias of ErrProtocolErr kept for callers written
// against the older name.
var ErrProtocolError = ReasonCode{Code: 0x82, Reason: "protocol error"}
