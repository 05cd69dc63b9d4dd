package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/golang-io/mqttcore/brokertest"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	c := flag.String("config", "./config/dev.json", "Path to config file")

	flag.Parse()
	b, err := os.ReadFile(*c)
	if err != nil {
		log.Fatal(err)
	}
	if err = json.Unmarshal(b, &brokertest.CONFIG); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	group, ctx := errgroup.WithContext(context.Background())
	s := brokertest.NewServer(ctx)

	group.Go(func() error {
		if brokertest.CONFIG.MQTT.URL == "" {
			return nil
		}
		return s.ListenAndServe(brokertest.URL(brokertest.CONFIG.MQTT.URL))
	})

	// CA file: ca.pem, client cert: mqtt.pem, client key: mqtt.key
	group.Go(func() error {
		if brokertest.CONFIG.MQTTs.URL == "" {
			return nil
		}
		return s.ListenAndServeTLS(brokertest.CONFIG.MQTTs.CertFile, brokertest.CONFIG.MQTTs.KeyFile, brokertest.URL(brokertest.CONFIG.MQTTs.URL))
	})
	group.Go(func() error {
		if brokertest.CONFIG.WebSocket.URL == "" {
			return nil
		}
		return s.ListenAndServeWebsocket(brokertest.URL(brokertest.CONFIG.WebSocket.URL))
	})
	group.Go(func() error {
		if brokertest.CONFIG.HTTP.URL == "" {
			return nil
		}
		return brokertest.Httpd()
	})
	err = group.Wait()
	log.Fatal(err)
}
