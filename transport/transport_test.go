package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	tr, err := Dial(context.Background(), "mqtt", ln.Addr().String(), Config{DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	tr.SetDeadline(time.Now().Add(time.Second))
	if _, err := tr.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected echo, got %q", buf)
	}
	<-done
}

func TestDialUnknownSchemeErrors(t *testing.T) {
	if _, err := Dial(context.Background(), "ftp", "127.0.0.1:0", Config{}); err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestWithDefaultPortFillsMissingPort(t *testing.T) {
	if got := withDefaultPort("example.com", 1883); got != "example.com:1883" {
		t.Fatalf("expected port appended, got %q", got)
	}
	if got := withDefaultPort("example.com:9999", 1883); got != "example.com:9999" {
		t.Fatalf("expected explicit port preserved, got %q", got)
	}
}
