package session

import "github.com/golang-io/mqttcore/packet"

// EventType enumerates the events the worker dispatches to a caller's
// Handler, generalizing golang-io/mqtt's single OnMessage callback
// (client.go) into the fuller event set esp-mqtt's MQTT_EVENT_* constants
// define.
type EventType int

const (
	EventBeforeConnect EventType = iota
	EventConnected
	EventDisconnected
	EventSubscribed
	EventUnsubscribed
	EventPublished
	EventData
	EventError
	EventDeleted
)

func (e EventType) String() string {
	switch e {
	case EventBeforeConnect:
		return "BEFORE_CONNECT"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventSubscribed:
		return "SUBSCRIBED"
	case EventUnsubscribed:
		return "UNSUBSCRIBED"
	case EventPublished:
		return "PUBLISHED"
	case EventData:
		return "DATA"
	case EventError:
		return "ERROR"
	case EventDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Event is passed to a Handler on every lifecycle or data occurrence.
type Event struct {
	Type EventType

	// Message is populated for EventData.
	Message *packet.Message

	// PacketID identifies the outbox entry for EventPublished/EventDeleted.
	PacketID uint16

	// CurrentDataOffset and TotalDataLen let a handler reassemble an
	// oversized PUBLISH split across several EventData occurrences: the
	// first carries Message.TopicName and offset 0; each subsequent one
	// carries an empty TopicName and an offset advanced by the previous
	// chunk's length, until offset+len(Message.Content) == TotalDataLen.
	CurrentDataOffset int
	TotalDataLen      int

	// Err is populated for EventError.
	Err error

	// SessionPresent/connected-event fields, populated for EventConnected.
	SessionPresent bool

	// v5.0-only connected-event fields (zero value on v3.1.1).
	ServerKeepAlive                  uint16
	ServerReceiveMaximum             uint16
	MaximumQoS                       uint8
	RetainAvailable                  bool
	MaximumPacketSize                uint32
	AssignedClientID                 string
	TopicAliasMaximum                uint16
	WildcardSubscriptionAvailable    bool
	SubscriptionIdentifierAvailable  bool
	SharedSubscriptionAvailable      bool
	ResponseInformation              string
	ServerReference                  string
	AuthenticationMethod             string
	AuthenticationData               []byte
	ReasonString                     string
	UserProperty                     map[string][]string
}

// Handler receives session events. It must not block: the worker calls it
// synchronously from its own goroutine between ticks.
type Handler func(Event)
