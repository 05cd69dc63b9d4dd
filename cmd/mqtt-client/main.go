package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-io/mqttcore/packet"
	"github.com/golang-io/mqttcore/session"
	"github.com/golang-io/mqttcore/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// gorillaWSTransport is an alternate WebSocket dial path registered under
// the "gws"/"gwss" schemes. golang-io/mqtt's go.mod lists gorilla/websocket
// but its own client.go never dials with it, using golang.org/x/net/websocket
// instead; this example gives the dependency a real caller without touching
// the session/transport packages' default ws/wss schemes.
type gorillaWSTransport struct {
	cfg    transport.Config
	secure bool
	conn   *websocket.Conn
}

func (t *gorillaWSTransport) Connect(ctx context.Context, addr string) error {
	scheme := "ws"
	if t.secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/mqtt"}
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.DialTimeout,
		TLSClientConfig:  t.cfg.TLSConfig,
		Subprotocols:     []string{"mqtt"},
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *gorillaWSTransport) Read(p []byte) (int, error) {
	_, r, err := t.conn.NextReader()
	if err != nil {
		return 0, err
	}
	return r.Read(p)
}

func (t *gorillaWSTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *gorillaWSTransport) Close() error { return t.conn.Close() }

func (t *gorillaWSTransport) SetDeadline(d time.Time) error {
	if err := t.conn.SetReadDeadline(d); err != nil {
		return err
	}
	return t.conn.SetWriteDeadline(d)
}

func (t *gorillaWSTransport) DefaultPort() int {
	if t.secure {
		return 443
	}
	return 80
}

func init() {
	transport.Register("gws", func(cfg transport.Config) transport.Transport {
		return &gorillaWSTransport{cfg: cfg, secure: false}
	})
	transport.Register("gwss", func(cfg transport.Config) transport.Transport {
		return &gorillaWSTransport{cfg: cfg, secure: true}
	})
}

func main() {
	brokerURL := flag.String("url", "mqtt://127.0.0.1:1883", "broker url (mqtt/mqtts/ws/wss/gws/gwss)")
	topic := flag.String("topic", "a/b/c", "topic to subscribe and publish on")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())

	cfg := session.NewConfig(
		session.WithURL(*brokerURL),
		session.WithSubscription(packet.Subscription{TopicFilter: *topic}),
	)

	s := session.New(cfg, func(ev session.Event) {
		switch ev.Type {
		case session.EventData:
			log.Printf("on: %s", ev.Message.String())
		case session.EventError:
			log.Printf("error: %v", ev.Err)
		default:
			log.Printf("event: %s", ev.Type)
		}
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.Run(ctx)
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if _, err := s.Publish(*topic, []byte(time.Now().Format(time.RFC3339)), 1, false); err != nil {
				log.Printf("%v", err)
			}
			time.Sleep(time.Second)
		}
	})

	group.Go(func() error {
		defer cancel()
		ignore := make(chan os.Signal, 1)
		sign := make(chan os.Signal, 1)

		signal.Notify(ignore, syscall.SIGHUP) // terminal hangup / controlling process terminated
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-ctx.Done():
			log.Printf("ctx done")
			return ctx.Err()
		case sig := <-sign:
			return fmt.Errorf("got sign: %s", sig)
		}
	})

	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}
