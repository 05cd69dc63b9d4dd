package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golang-io/mqttcore/packet"
	"github.com/golang-io/mqttcore/session"
	"golang.org/x/sync/errgroup"
)

func main() {
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 100; i++ {
		i := i
		cfg := session.NewConfig(
			session.WithURL("mqtt://127.0.0.1:1883"),
			session.WithClientID(fmt.Sprintf("bench-%d", i)),
			session.WithSubscription(
				packet.Subscription{TopicFilter: "+"},
				packet.Subscription{TopicFilter: "a/b/c"},
			),
		)
		s := session.New(cfg, func(ev session.Event) {
			if ev.Type == session.EventData {
				log.Printf("id=%d, msg=%s", i, ev.Message.String())
			}
		})

		group.Go(func() error {
			return s.Run(ctx)
		})

		group.Go(func() error {
			timer := time.NewTimer(time.Second)
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
					if _, err := s.Publish(fmt.Sprintf("topic-%d", i), []byte("hello world"), 0, false); err != nil {
						log.Printf("id=%d, publish error: %v", i, err)
					}
					timer.Reset(time.Second)
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		panic(err)
	}
}
