package brokertest

// Package-level listen options for Server.ListenAndServe*. The client-side
// Options (URL/ClientID/Version/Subscriptions) that used to live here moved
// to session.Config; only the listener-facing URL option remains wired.

type Listen struct {
	URL      string `yaml:"url"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type config struct {
	HTTP       Listen            `json:"HTTP"`
	MQTT       Listen            `json:"MQTT"`
	MQTTs      Listen            `json:"MQTTs"`
	WebSocket  Listen            `json:"Websocket"`
	WebSockets Listen            `json:"Websockets"`
	Auth       map[string]string `json:"Auth"`
}

func (c *config) GetAuth(username string) (string, bool) {
	password, ok := c.Auth[username]
	return password, ok
}

var CONFIG = &config{
	Auth: map[string]string{
		"":     "",
		"root": "admin",
	},
}

type Options struct {
	URL string
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL: "mqtt://127.0.0.1:1883",
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func URL(url string) Option {
	return func(o *Options) {
		o.URL = url
	}
}
