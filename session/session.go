package session

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttcore/assembler"
	"github.com/golang-io/mqttcore/outbox"
	"github.com/golang-io/mqttcore/packet"
	"github.com/golang-io/mqttcore/transport"
)

// Packet kind constants, matching golang-io/mqtt's mqtt.go.
const (
	kindCONNECT     byte = 0x1
	kindCONNACK     byte = 0x2
	kindPUBLISH     byte = 0x3
	kindPUBACK      byte = 0x4
	kindPUBREC      byte = 0x5
	kindPUBREL      byte = 0x6
	kindPUBCOMP     byte = 0x7
	kindSUBSCRIBE   byte = 0x8
	kindSUBACK      byte = 0x9
	kindUNSUBSCRIBE byte = 0xA
	kindUNSUBACK    byte = 0xB
	kindPINGREQ     byte = 0xC
	kindPINGRESP    byte = 0xD
	kindDISCONNECT  byte = 0xE
	kindAUTH        byte = 0xF
)

const assemblerBufSize = 4096

// Session drives one MQTT client connection's worker loop. It is the
// generalization of golang-io/mqtt's Client type (client.go) into the
// state machine described by esp-mqtt's mqtt_client.c: connect/reconnect,
// keep-alive, retransmit, outbox expiry, and v5.0 Extras all live here
// instead of being spread across a handful of ad hoc methods.
type Session struct {
	cfg Config

	lock reentrantMutex

	state atomic.Int32 // session.State, read and written atomically

	tr  transport.Transport
	asm *assembler.Assembler
	ob  *outbox.Outbox

	packetID atomic.Uint32 // wraps 1..65535

	handler Handler

	clientID atomic.Pointer[string]

	// per-direction v5.0 topic alias tables and flow control; nil on a
	// v3.1.1 session.
	outboundAlias *topicAliasTable
	inboundAlias  *topicAliasTable
	flow          *flowControl

	keepAliveTick   int64
	refreshTick     int64
	reconnectTick   int64
	retransmitTick  int64
	waitForPingResp bool

	disconnectRequested atomic.Bool
	reconnectRequested  atomic.Bool
	stopRequested       atomic.Bool

	done chan struct{}
}

// New builds a Session in StateInit. Call Run to start its worker loop.
func New(cfg Config, handler Handler) *Session {
	id := cfg.ClientID
	s := &Session{
		cfg:     cfg,
		asm:     assembler.New(assemblerBufSize),
		ob:      outbox.New(cfg.OutboxSizeCap),
		handler: handler,
		done:    make(chan struct{}),
	}
	s.clientID.Store(&id)
	s.state.Store(int32(StateInit))
	if cfg.Version == packet.VERSION500 {
		s.outboundAlias = newTopicAliasTable(0)
		s.inboundAlias = newTopicAliasTable(cfg.InboundTopicAliasMaximum)
		s.flow = newFlowControl(cfg.ReceiveMaximum)
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ClientID returns a copy of the session's client id, never a reference
// into session-owned storage. This closes the Assigned Client Identifier
// aliasing hazard: a v5.0 broker may assign the id during CONNACK, and if
// callers were handed a pointer/slice into the session's own field, a
// concurrent reconnect could mutate it out from under them.
func (s *Session) ClientID() string {
	p := s.clientID.Load()
	if p == nil {
		return ""
	}
	id := *p
	return id
}

func (s *Session) setClientID(id string) {
	cp := id
	s.clientID.Store(&cp)
}

func (s *Session) nextPacketID() uint16 {
	for {
		n := s.packetID.Add(1)
		id := uint16(n)
		if id != 0 {
			return id
		}
		// wrapped through zero, which is never a valid packet id
	}
}

func (s *Session) emit(ev Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

func (s *Session) log(format string, args ...any) {
	log.Printf("[SESSION] "+format, args...)
}

// Stop requests the worker to tear down the connection and, once torn
// down, exit its loop entirely rather than reconnect.
func (s *Session) Stop() {
	s.stopRequested.Store(true)
	s.disconnectRequested.Store(true)
}

// Disconnect requests a clean DISCONNECT on the next worker tick while
// leaving auto-reconnect behavior intact (WAIT_RECONNECT, not DISCONNECTED).
func (s *Session) Disconnect() {
	s.disconnectRequested.Store(true)
}

// Reconnect forces an immediate transition out of WAIT_RECONNECT without
// waiting for the reconnect timeout to elapse.
func (s *Session) Reconnect() {
	s.reconnectRequested.Store(true)
}

// Run drives the worker loop until the context is cancelled or Stop is
// called and the resulting teardown completes. It is safe to call Run in
// its own goroutine; all other Session methods may be called concurrently.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		default:
		}

		switch s.State() {
		case StateInit:
			s.runInit(ctx)
		case StateConnected:
			s.runConnected(ctx)
		case StateWaitReconnect:
			if s.runWaitReconnect(ctx) {
				return nil
			}
		case StateDisconnected:
			return nil
		}
	}
}

func (s *Session) now() int64 { return time.Now().UnixMilli() }

func (s *Session) runInit(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.emit(Event{Type: EventBeforeConnect})

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
	defer cancel()

	scheme := schemeOf(s.cfg.URL)
	addr := hostOf(s.cfg.URL)
	tr, err := transport.Dial(dialCtx, scheme, addr, transport.Config{
		TLSConfig:   s.cfg.TLSClientConfig,
		DialTimeout: s.cfg.NetworkTimeout,
	})
	if err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("dial: %w", err)})
		s.abort(EventDisconnected)
		return
	}
	s.tr = tr

	if err := s.handshake(ctx); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("handshake: %w", err)})
		s.abort(EventDisconnected)
		return
	}

	now := s.now()
	s.keepAliveTick = now
	s.refreshTick = now
	s.retransmitTick = now
	s.state.Store(int32(StateConnected))

	if len(s.cfg.Subscriptions) > 0 {
		if _, err := s.Subscribe(s.cfg.Subscriptions...); err != nil {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("initial subscribe: %w", err)})
		}
	}
}

func (s *Session) handshake(ctx context.Context) error {
	connect := &packet.CONNECT{
		FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindCONNECT},
		ClientID:    s.ClientID(),
		Username:    s.cfg.Username,
		Password:    s.cfg.Password,
		NoCleanStart: !s.cfg.CleanStart,
	}
	connect.KeepAlive = uint16(s.cfg.KeepAlive / time.Second)
	if s.cfg.Version == packet.VERSION500 {
		connect.Props = &packet.ConnectProperties{ReceiveMaximum: packet.ReceiveMaximum(s.cfg.ReceiveMaximum)}
	}

	if s.tr != nil {
		s.tr.SetDeadline(time.Now().Add(s.cfg.NetworkTimeout))
	}
	if err := connect.Pack(s.tr); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.NetworkTimeout)
	for time.Now().Before(deadline) {
		s.tr.SetDeadline(deadline)
		out := s.asm.Feed(s.tr)
		switch out {
		case assembler.Fatal:
			return fmt.Errorf("connect: assembler fatal error")
		case assembler.NeedMore:
			continue
		case assembler.Ready:
			if s.asm.Kind() != kindCONNACK {
				s.asm.Reset()
				return fmt.Errorf("connect: expected CONNACK, got kind %x", s.asm.Kind())
			}
			connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindCONNACK}}
			body := bytes.NewBuffer(s.asm.Packet().Bytes())
			err := connack.Unpack(body)
			s.asm.Reset()
			if err != nil {
				return err
			}
			return s.onConnack(connack)
		}
	}
	return fmt.Errorf("connect: timed out waiting for CONNACK")
}

func (s *Session) onConnack(connack *packet.CONNACK) error {
	if connack.ConnectReturnCode.Code != 0 {
		return connack.ConnectReturnCode
	}

	ev := Event{
		Type:           EventConnected,
		SessionPresent: connack.SessionPresent != 0,
	}

	if s.cfg.Version == packet.VERSION500 && connack.Props != nil {
		p := connack.Props
		ev.ServerKeepAlive = p.ServerKeepAlive
		ev.ServerReceiveMaximum = p.ReceiveMaximum
		ev.MaximumQoS = p.MaximumQoS
		ev.RetainAvailable = p.RetainAvailable != 0
		ev.MaximumPacketSize = p.MaximumPacketSize
		ev.TopicAliasMaximum = p.TopicAliasMaximum
		ev.WildcardSubscriptionAvailable = p.WildcardSubscriptionAvailable != 0
		ev.SubscriptionIdentifierAvailable = p.SubscriptionIdentifierAvailable != 0
		ev.SharedSubscriptionAvailable = p.SharedSubscriptionAvailable != 0
		ev.ResponseInformation = p.ResponseInformation
		ev.ServerReference = p.ServerReference
		ev.AuthenticationMethod = p.AuthenticationMethod
		ev.AuthenticationData = p.AuthenticationData
		ev.ReasonString = p.ReasonString
		ev.UserProperty = cloneUserProperties(p.UserProperty)

		if p.AssignedClientID != "" {
			ev.AssignedClientID = p.AssignedClientID
			s.setClientID(p.AssignedClientID)
		}
		if p.ServerKeepAlive != 0 {
			s.cfg.KeepAlive = time.Duration(p.ServerKeepAlive) * time.Second
		}
		if s.flow != nil {
			s.flow.SetMax(p.ReceiveMaximum)
		}
		if s.outboundAlias != nil {
			s.outboundAlias.Reset(p.TopicAliasMaximum)
		}
		if s.inboundAlias != nil {
			s.inboundAlias.Reset(s.cfg.InboundTopicAliasMaximum)
		}
	}

	s.emit(ev)
	return nil
}

func (s *Session) runConnected(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.disconnectRequested.Load() {
		s.sendDisconnect()
		s.abort(EventDisconnected)
		return
	}

	s.tr.SetDeadline(time.Now())
	switch s.asm.Feed(s.tr) {
	case assembler.Ready:
		s.dispatch()
		s.asm.Reset()
	case assembler.Fatal:
		s.emit(Event{Type: EventError, Err: fmt.Errorf("connection read error")})
		s.abort(EventDisconnected)
		return
	case assembler.NeedMore:
	}

	now := s.now()

	if s.cfg.ReportDeletedMessages {
		if id, kind, ok := s.ob.DeleteSingleExpired(now, s.cfg.OutboxExpiredTimeout.Milliseconds()); ok {
			s.emit(Event{Type: EventDeleted, PacketID: id})
			_ = kind
		}
	} else {
		s.ob.DeleteExpired(now, s.cfg.OutboxExpiredTimeout.Milliseconds())
	}

	s.drainOutbox(now)
	s.runKeepAlive(now)

	if s.cfg.RefreshConnection > 0 && now-s.refreshTick >= s.cfg.RefreshConnection.Milliseconds() {
		s.abortToInit()
		return
	}
}

func (s *Session) drainOutbox(now int64) {
	if e, _, ok := s.ob.Dequeue(outbox.QUEUED); ok {
		if err := s.writeEntry(e); err == nil {
			s.ob.SetPending(e.ID, e.Type, outbox.TRANSMITTED)
			s.ob.SetTick(e.ID, e.Type, now)
		}
		return
	}

	if now-s.retransmitTick < s.cfg.MessageRetransmitTimeout.Milliseconds() {
		return
	}
	s.retransmitTick = now

	if e, tick, ok := s.ob.Dequeue(outbox.TRANSMITTED); ok {
		if now-tick < s.cfg.MessageRetransmitTimeout.Milliseconds() {
			return
		}
		if err := s.writeEntry(e); err == nil {
			s.ob.SetTick(e.ID, e.Type, now)
		}
	}
}

func (s *Session) writeEntry(e *outbox.Entry) error {
	data := e.Data
	if e.Type == kindPUBLISH && e.State == outbox.TRANSMITTED && e.QoS > 0 {
		data = withDupFlag(data)
	}
	s.tr.SetDeadline(time.Now().Add(s.cfg.NetworkTimeout))
	if _, err := s.tr.Write(data); err != nil {
		return err
	}
	if len(e.Remaining) > 0 {
		if _, err := s.tr.Write(e.Remaining); err != nil {
			return err
		}
	}
	return nil
}

// withDupFlag sets the DUP bit (bit 3 of byte 0) on a packed PUBLISH
// buffer for retransmission, without needing to re-pack the packet.
func withDupFlag(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[0] |= 0x08
	return out
}

func (s *Session) runKeepAlive(now int64) {
	if s.cfg.KeepAlive <= 0 {
		return
	}
	halfPeriod := s.cfg.KeepAlive.Milliseconds() / 2
	if now-s.keepAliveTick >= halfPeriod {
		if s.waitForPingResp {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("keep-alive: no PINGRESP received")})
			s.abort(EventDisconnected)
			return
		}
		ping := &packet.PINGREQ{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPINGREQ}}
		if err := ping.Pack(s.tr); err == nil {
			s.waitForPingResp = true
			s.keepAliveTick = now
		}
	}
}

func (s *Session) runWaitReconnect(ctx context.Context) (stop bool) {
	if s.stopRequested.Load() {
		s.state.Store(int32(StateDisconnected))
		return true
	}
	if !s.cfg.AutoReconnect && !s.reconnectRequested.Load() {
		s.state.Store(int32(StateDisconnected))
		return true
	}

	waitHalf := s.cfg.ReconnectTimeout / 2
	timer := time.NewTimer(waitHalf)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
	}

	if s.reconnectRequested.Load() || time.Now().UnixMilli()-s.reconnectTick >= s.cfg.ReconnectTimeout.Milliseconds() {
		s.reconnectRequested.Store(false)
		s.state.Store(int32(StateInit))
	}
	return false
}

func (s *Session) sendDisconnect() {
	disconnect := packet.NewDISCONNECT(s.cfg.Version, packet.CodeDisconnect)
	disconnect.Pack(s.tr)
	s.disconnectRequested.Store(false)
}

// sendProtocolErrorDisconnect sends DISCONNECT(PROTOCOL_ERROR) ahead of
// aborting the connection for a v5.0 violation such as an inbound topic
// alias above the negotiated maximum. v3.1.1 has no DISCONNECT reason
// code to send and simply aborts.
func (s *Session) sendProtocolErrorDisconnect() {
	if s.cfg.Version != packet.VERSION500 || s.tr == nil {
		return
	}
	disconnect := packet.NewDISCONNECT(s.cfg.Version, packet.ErrProtocolError)
	disconnect.Pack(s.tr)
}

// abort tears the transport down and moves to WAIT_RECONNECT, matching
// esp-mqtt's single connection-abort path (close, arm reconnect timer,
// clear wait_for_ping_resp, emit DISCONNECTED).
func (s *Session) abort(_ EventType) {
	s.teardown()
	s.reconnectTick = s.now()
	s.waitForPingResp = false
	s.state.Store(int32(StateWaitReconnect))
	s.emit(Event{Type: EventDisconnected})
}

// abortToInit tears down and re-handshakes immediately, used for a
// refresh-connection cycle (distinct from a failure: it re-enters INIT,
// not WAIT_RECONNECT, since there was no error to back off from).
func (s *Session) abortToInit() {
	s.teardown()
	s.waitForPingResp = false
	s.state.Store(int32(StateInit))
}

func (s *Session) teardown() {
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	s.asm.Reset()
}

func (s *Session) dispatch() {
	kind := s.asm.Kind()
	body := bytes.NewBuffer(append([]byte(nil), s.asm.Packet().Bytes()...))
	fixed := &packet.FixedHeader{Version: s.cfg.Version, Kind: kind, RemainingLength: uint32(s.asm.RemainingLength())}

	switch kind {
	case kindPUBLISH:
		s.handlePublish(fixed, body)
	case kindPUBACK:
		s.handleSimpleAck(fixed, body, kindPUBACK)
	case kindPUBREC:
		s.handlePubrec(fixed, body)
	case kindPUBREL:
		s.handlePubrel(fixed, body)
	case kindPUBCOMP:
		s.handleSimpleAck(fixed, body, kindPUBCOMP)
	case kindSUBACK:
		s.handleSuback(fixed, body)
	case kindUNSUBACK:
		s.handleUnsuback(fixed, body)
	case kindPINGRESP:
		s.waitForPingResp = false
	case kindDISCONNECT:
		s.emit(Event{Type: EventError, Err: fmt.Errorf("server sent DISCONNECT")})
		s.abort(EventDisconnected)
	default:
		s.log("unhandled packet kind=%x", kind)
	}
}

func (s *Session) handlePublish(fixed *packet.FixedHeader, body *bytes.Buffer) {
	fixed.QoS = (s.asm.FirstByte() >> 1) & 0x3
	fixed.Dup = (s.asm.FirstByte() >> 3) & 0x1
	fixed.Retain = s.asm.FirstByte() & 0x1

	pub := &packet.PUBLISH{FixedHeader: fixed}
	if err := pub.Unpack(body); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("publish decode: %w", err)})
		return
	}

	if s.inboundAlias != nil && pub.Props != nil && pub.Props.TopicAlias != 0 {
		alias := uint16(pub.Props.TopicAlias)
		if alias > s.inboundAlias.Max() {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("session: inbound topic alias %d exceeds negotiated maximum %d", alias, s.inboundAlias.Max())})
			s.sendProtocolErrorDisconnect()
			s.abort(EventDisconnected)
			return
		}
		if resolved, ok := s.inboundAlias.Resolve(alias, pub.Message.TopicName); ok {
			pub.Message.TopicName = resolved
		}
	}

	// total covers whatever Unpack already buffered plus whatever the
	// assembler deliberately left unread for an oversized PUBLISH.
	total := len(pub.Message.Content) + s.asm.Remaining()
	s.emit(Event{
		Type:              EventData,
		Message:           &packet.Message{TopicName: pub.Message.TopicName, Content: pub.Message.Content},
		CurrentDataOffset: 0,
		TotalDataLen:      total,
	})

	offset := len(pub.Message.Content)
	chunk := make([]byte, assemblerBufSize)
	for s.asm.Remaining() > 0 {
		n, _, err := s.asm.ReadRemainingChunk(s.tr, chunk)
		if err != nil {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("publish stream remaining: %w", err)})
			return
		}
		s.emit(Event{
			Type:              EventData,
			Message:           &packet.Message{Content: append([]byte(nil), chunk[:n]...)},
			CurrentDataOffset: offset,
			TotalDataLen:      total,
		})
		offset += n
	}

	switch fixed.QoS {
	case 0:
	case 1:
		ack := &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPUBACK}, PacketID: pub.PacketID}
		ack.Pack(s.tr)
	case 2:
		ack := &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPUBREC}, PacketID: pub.PacketID}
		ack.Pack(s.tr)
	}
}

func (s *Session) handlePubrec(fixed *packet.FixedHeader, body *bytes.Buffer) {
	pubrec := &packet.PUBREC{FixedHeader: fixed}
	if err := pubrec.Unpack(body); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("pubrec decode: %w", err)})
		return
	}
	s.ob.Delete(pubrec.PacketID, kindPUBLISH)

	rel := &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPUBREL}, PacketID: pubrec.PacketID}
	data := packBytes(rel)
	s.ob.Enqueue(data, pubrec.PacketID, kindPUBREL, 0, s.now())
}

func (s *Session) handlePubrel(fixed *packet.FixedHeader, body *bytes.Buffer) {
	rel := &packet.PUBREL{FixedHeader: fixed}
	if err := rel.Unpack(body); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("pubrel decode: %w", err)})
		return
	}
	comp := &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPUBCOMP}, PacketID: rel.PacketID}
	comp.Pack(s.tr)
}

func (s *Session) handleSimpleAck(fixed *packet.FixedHeader, body *bytes.Buffer, kind byte) {
	var id uint16
	switch kind {
	case kindPUBACK:
		ack := &packet.PUBACK{FixedHeader: fixed}
		if err := ack.Unpack(body); err != nil {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("puback decode: %w", err)})
			return
		}
		id = ack.PacketID
		s.ob.Delete(id, kindPUBLISH)
	case kindPUBCOMP:
		comp := &packet.PUBCOMP{FixedHeader: fixed}
		if err := comp.Unpack(body); err != nil {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("pubcomp decode: %w", err)})
			return
		}
		id = comp.PacketID
		s.ob.Delete(id, kindPUBREL)
	}
	if s.flow != nil {
		s.flow.Release()
	}
	s.emit(Event{Type: EventPublished, PacketID: id})
}

func (s *Session) handleSuback(fixed *packet.FixedHeader, body *bytes.Buffer) {
	suback := &packet.SUBACK{FixedHeader: fixed}
	if err := suback.Unpack(body); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("suback decode: %w", err)})
		return
	}
	s.ob.Delete(suback.PacketID, kindSUBSCRIBE)
	s.emit(Event{Type: EventSubscribed, PacketID: suback.PacketID})
}

func (s *Session) handleUnsuback(fixed *packet.FixedHeader, body *bytes.Buffer) {
	unsuback := &packet.UNSUBACK{FixedHeader: fixed}
	if err := unsuback.Unpack(body); err != nil {
		s.emit(Event{Type: EventError, Err: fmt.Errorf("unsuback decode: %w", err)})
		return
	}
	s.ob.Delete(unsuback.PacketID, kindUNSUBSCRIBE)
	s.emit(Event{Type: EventUnsubscribed, PacketID: unsuback.PacketID})
}

// Publish enqueues a QoS 1/2 PUBLISH for the worker to send on its next
// tick. QoS 0 publishes skip the outbox: they are written to the transport
// at once, under the session lock, and fail when no transport is connected.
func (s *Session) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	if qos > 0 && s.flow != nil && !s.flow.TryAcquire() {
		return 0, fmt.Errorf("session: receive maximum exceeded, publish rejected")
	}

	var id uint16
	if qos > 0 {
		id = s.nextPacketID()
	}

	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindPUBLISH, QoS: qos, Retain: b2i(retain)},
		PacketID:    id,
		Message:     &packet.Message{TopicName: topic, Content: payload},
	}

	if s.outboundAlias != nil {
		if alias, isNew := s.outboundAlias.Assign(topic); alias != 0 {
			pub.Props = &packet.PublishProperties{TopicAlias: packet.TopicAlias(alias)}
			if !isNew {
				// Broker already has this alias bound to topic; omit the
				// topic name and let the alias carry it [MQTT-3.3.2-3.4].
				pub.Message.TopicName = ""
			}
		}
	}

	data := packBytes(pub)
	if data == nil {
		if s.flow != nil && qos > 0 {
			s.flow.Release()
		}
		return 0, fmt.Errorf("session: failed to pack publish")
	}

	if qos == 0 {
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.tr == nil {
			return 0, fmt.Errorf("session: not connected")
		}
		_, err := s.tr.Write(data)
		return 0, err
	}

	if !s.ob.Enqueue(data, id, kindPUBLISH, qos, s.now()) {
		if s.flow != nil {
			s.flow.Release()
		}
		return 0, fmt.Errorf("session: outbox full or duplicate id")
	}
	return id, nil
}

// Subscribe enqueues a SUBSCRIBE for the given filters.
func (s *Session) Subscribe(subs ...packet.Subscription) (uint16, error) {
	id := s.nextPacketID()
	sub := &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: s.cfg.Version, Kind: kindSUBSCRIBE, QoS: 1},
		PacketID:      id,
		Subscriptions: subs,
	}
	data := packBytes(sub)
	if data == nil {
		return 0, fmt.Errorf("session: failed to pack subscribe")
	}
	if !s.ob.Enqueue(data, id, kindSUBSCRIBE, 1, s.now()) {
		return 0, fmt.Errorf("session: outbox full or duplicate id")
	}
	return id, nil
}

// Unsubscribe enqueues an UNSUBSCRIBE for the given filters.
func (s *Session) Unsubscribe(filters ...string) (uint16, error) {
	id := s.nextPacketID()
	unsub := &packet.UNSUBSCRIBE{
		FixedHeader: &packet.FixedHeader{Version: s.cfg.Version, Kind: kindUNSUBSCRIBE, QoS: 1},
		PacketID:    id,
	}
	for _, f := range filters {
		unsub.Subscriptions = append(unsub.Subscriptions, packet.Subscription{TopicFilter: f})
	}
	data := packBytes(unsub)
	if data == nil {
		return 0, fmt.Errorf("session: failed to pack unsubscribe")
	}
	if !s.ob.Enqueue(data, id, kindUNSUBSCRIBE, 1, s.now()) {
		return 0, fmt.Errorf("session: outbox full or duplicate id")
	}
	return id, nil
}

func packBytes(pkt packet.Packet) []byte {
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

func b2i(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

var _ sync.Locker = (*reentrantMutex)(nil)
