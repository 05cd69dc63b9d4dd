package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-io/mqttcore/assembler"
	"github.com/golang-io/mqttcore/packet"
	"github.com/golang-io/mqttcore/transport"
)

// pipeTransport wraps one end of a net.Pipe as a transport.Transport for
// tests, so the worker loop can be driven without a real socket.
type pipeTransport struct {
	conn net.Conn
}

func (p *pipeTransport) Connect(ctx context.Context, addr string) error { return nil }
func (p *pipeTransport) Read(b []byte) (int, error)                    { return p.conn.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error)                   { return p.conn.Write(b) }
func (p *pipeTransport) Close() error                                  { return p.conn.Close() }
func (p *pipeTransport) SetDeadline(t time.Time) error                 { return p.conn.SetDeadline(t) }
func (p *pipeTransport) DefaultPort() int                              { return 0 }

func registerFakeScheme(t *testing.T, scheme string, serverConn net.Conn) {
	t.Helper()
	transport.Register(scheme, func(cfg transport.Config) transport.Transport {
		return &pipeTransport{conn: serverConn}
	})
}

func TestSessionHandshakeSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	registerFakeScheme(t, "faketest1", client)

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		// Read the CONNECT packet's fixed header + body.
		fixed := &packet.FixedHeader{Version: packet.VERSION311}
		if err := fixed.Unpack(server); err != nil {
			return
		}
		buf := make([]byte, fixed.RemainingLength)
		io_ReadFull(server, buf)

		connack := &packet.CONNACK{
			FixedHeader:       &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x2},
			ConnectReturnCode: packet.CodeSuccess,
		}
		connack.Pack(server)
	}()

	cfg := NewConfig(WithURL("faketest1://broker"), WithClientID("test-client"))
	cfg.NetworkTimeout = 2 * time.Second
	var gotConnected bool
	s := New(cfg, func(ev Event) {
		if ev.Type == EventConnected {
			gotConnected = true
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.runInit(ctx)

	<-brokerDone
	if s.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %v", s.State())
	}
	if !gotConnected {
		t.Fatal("expected a CONNECTED event to have been emitted")
	}
}

func TestSessionHandshakeRejectedGoesToWaitReconnect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	registerFakeScheme(t, "faketest2", client)

	go func() {
		fixed := &packet.FixedHeader{Version: packet.VERSION311}
		if err := fixed.Unpack(server); err != nil {
			return
		}
		buf := make([]byte, fixed.RemainingLength)
		io_ReadFull(server, buf)

		connack := &packet.CONNACK{
			FixedHeader:       &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x2},
			ConnectReturnCode: packet.Err3NotAuthorized,
		}
		connack.Pack(server)
	}()

	cfg := NewConfig(WithURL("faketest2://broker"))
	cfg.NetworkTimeout = 2 * time.Second
	s := New(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.runInit(ctx)

	if s.State() != StateWaitReconnect {
		t.Fatalf("expected WAIT_RECONNECT after a refused CONNACK, got %v", s.State())
	}
}

func TestClientIDReturnsIndependentCopy(t *testing.T) {
	cfg := NewConfig(WithClientID("original"))
	s := New(cfg, nil)
	id := s.ClientID()
	if id != "original" {
		t.Fatalf("expected original, got %q", id)
	}
	s.setClientID("broker-assigned")
	if id != "original" {
		t.Fatal("previously returned ClientID() copy must not change when the session's id changes")
	}
	if s.ClientID() != "broker-assigned" {
		t.Fatalf("expected broker-assigned, got %q", s.ClientID())
	}
}

func TestWithDupFlagSetsBit(t *testing.T) {
	data := []byte{0x30, 0x02, 0x00, 0x01}
	out := withDupFlag(data)
	if out[0]&0x08 == 0 {
		t.Fatal("expected DUP bit set")
	}
	if data[0]&0x08 != 0 {
		t.Fatal("original buffer must not be mutated")
	}
}

func TestNextPacketIDNeverZero(t *testing.T) {
	s := New(NewConfig(), nil)
	s.packetID.Store(0xFFFE)
	first := s.nextPacketID()
	if first != 0xFFFF {
		t.Fatalf("expected 0xFFFF, got %x", first)
	}
	second := s.nextPacketID()
	if second == 0 {
		t.Fatal("packet id must never be zero, even after wraparound")
	}
}

// readOneDispatch drives the assembler and dispatch exactly as runConnected
// does for a single inbound packet, without the rest of the worker loop.
func readOneDispatch(t *testing.T, s *Session) {
	t.Helper()
	for {
		switch s.asm.Feed(s.tr) {
		case assembler.Ready:
			s.dispatch()
			s.asm.Reset()
			return
		case assembler.Fatal:
			t.Fatal("assembler reported a fatal error")
		}
	}
}

func TestHandlePublishStreamsOversizedPayloadInChunks(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := NewConfig(WithClientID("chunk-test"))
	s := New(cfg, nil)
	s.tr = &pipeTransport{conn: client}

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		pub := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: kindPUBLISH, QoS: 0},
			Message:     &packet.Message{TopicName: "a/b", Content: payload},
		}
		pub.Pack(server)
	}()

	var events []Event
	s.handler = func(ev Event) {
		if ev.Type == EventData {
			events = append(events, ev)
		}
	}

	readOneDispatch(t, s)

	if len(events) < 2 {
		t.Fatalf("expected an oversized publish to split into multiple DATA events, got %d", len(events))
	}
	if events[0].Message.TopicName != "a/b" || events[0].CurrentDataOffset != 0 {
		t.Fatalf("first event should carry the topic and offset 0, got %+v", events[0])
	}
	total := events[0].TotalDataLen
	if total != len(payload) {
		t.Fatalf("expected total data len %d, got %d", len(payload), total)
	}
	var reassembled []byte
	for _, ev := range events[1:] {
		if ev.Message.TopicName != "" {
			t.Fatalf("subsequent DATA events must carry an empty topic, got %q", ev.Message.TopicName)
		}
	}
	for _, ev := range events {
		if ev.CurrentDataOffset != len(reassembled) {
			t.Fatalf("expected offset %d, got %d", len(reassembled), ev.CurrentDataOffset)
		}
		if ev.TotalDataLen != total {
			t.Fatalf("expected total data len to stay %d, got %d", total, ev.TotalDataLen)
		}
		reassembled = append(reassembled, ev.Message.Content...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("reassembled payload does not match what was published")
	}
}

func TestHandlePublishSmallPayloadEmitsSingleDataEvent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := NewConfig(WithClientID("small-test"))
	s := New(cfg, nil)
	s.tr = &pipeTransport{conn: client}

	go func() {
		pub := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: kindPUBLISH, QoS: 0},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
		}
		pub.Pack(server)
	}()

	var events []Event
	s.handler = func(ev Event) { events = append(events, ev) }
	readOneDispatch(t, s)

	if len(events) != 1 {
		t.Fatalf("expected exactly one DATA event for a payload within the buffer, got %d", len(events))
	}
	if events[0].CurrentDataOffset != 0 || events[0].TotalDataLen != 5 {
		t.Fatalf("expected offset 0 / total 5, got %+v", events[0])
	}
}

func TestHandlePublishV5TopicAliasReuse(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := NewConfig(WithClientID("alias-test"), WithVersion(packet.VERSION500), WithInboundTopicAliasMaximum(10))
	s := New(cfg, nil)
	s.tr = &pipeTransport{conn: client}

	send := func(topic string, alias uint16) {
		pub := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: kindPUBLISH, QoS: 0},
			Message:     &packet.Message{TopicName: topic, Content: []byte("hi")},
			Props:       &packet.PublishProperties{TopicAlias: packet.TopicAlias(alias)},
		}
		pub.Pack(server)
	}

	var events []Event
	s.handler = func(ev Event) {
		if ev.Type == EventData {
			events = append(events, ev)
		}
	}

	go send("/x", 7)
	readOneDispatch(t, s)

	go send("", 7)
	readOneDispatch(t, s)

	if len(events) != 2 {
		t.Fatalf("expected 2 DATA events, got %d", len(events))
	}
	if events[0].Message.TopicName != "/x" {
		t.Fatalf("first publish should carry its explicit topic, got %q", events[0].Message.TopicName)
	}
	if events[1].Message.TopicName != "/x" {
		t.Fatalf("second publish should resolve the alias back to /x, got %q", events[1].Message.TopicName)
	}
}

func TestHandlePublishV5TopicAliasExceedsMaxIsProtocolError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := NewConfig(WithClientID("alias-overflow-test"), WithVersion(packet.VERSION500), WithInboundTopicAliasMaximum(10))
	s := New(cfg, nil)
	s.tr = &pipeTransport{conn: client}

	var errs []Event
	s.handler = func(ev Event) {
		if ev.Type == EventError {
			errs = append(errs, ev)
		}
	}

	go func() {
		pub := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION500, Kind: kindPUBLISH, QoS: 0},
			Message:     &packet.Message{TopicName: "/x", Content: []byte("hi")},
			Props:       &packet.PublishProperties{TopicAlias: packet.TopicAlias(100)},
		}
		pub.Pack(server)
	}()
	readOneDispatch(t, s)

	if len(errs) == 0 {
		t.Fatal("expected a protocol error event for an alias above the negotiated maximum")
	}
	if s.State() != StateWaitReconnect {
		t.Fatalf("expected WAIT_RECONNECT after the protocol error, got %v", s.State())
	}
}

func TestPublishAssignsAndReusesOutboundTopicAlias(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	cfg := NewConfig(WithClientID("outbound-alias-test"), WithVersion(packet.VERSION500))
	s := New(cfg, nil)
	s.tr = &pipeTransport{conn: client}
	s.outboundAlias.Reset(10)

	readBack := func() *packet.PUBLISH {
		fixed := &packet.FixedHeader{Version: packet.VERSION500}
		if err := fixed.Unpack(server); err != nil {
			t.Fatalf("unpack fixed header: %v", err)
		}
		buf := make([]byte, fixed.RemainingLength)
		io_ReadFull(server, buf)
		pub := &packet.PUBLISH{FixedHeader: fixed}
		if err := pub.Unpack(bytes.NewBuffer(buf)); err != nil {
			t.Fatalf("unpack publish: %v", err)
		}
		return pub
	}

	done := make(chan *packet.PUBLISH, 2)
	go func() { done <- readBack() }()
	if _, err := s.Publish("a/b", []byte("one"), 0, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first := <-done
	if first.Message.TopicName != "a/b" {
		t.Fatalf("first publish must carry the full topic name, got %q", first.Message.TopicName)
	}
	if first.Props == nil || first.Props.TopicAlias == 0 {
		t.Fatal("expected the first publish to establish a topic alias")
	}
	alias := first.Props.TopicAlias

	go func() { done <- readBack() }()
	if _, err := s.Publish("a/b", []byte("two"), 0, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second := <-done
	if second.Message.TopicName != "" {
		t.Fatalf("second publish to the same topic should omit the topic name, got %q", second.Message.TopicName)
	}
	if second.Props == nil || second.Props.TopicAlias != alias {
		t.Fatalf("expected the same alias %d to be reused, got %+v", alias, second.Props)
	}
}

func io_ReadFull(r net.Conn, buf []byte) {
	off := 0
	for off < len(buf) {
		n, err := r.Read(buf[off:])
		off += n
		if err != nil {
			return
		}
	}
}
