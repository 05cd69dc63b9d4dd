package session

import "net/url"

// schemeOf and hostOf extract the dial scheme/host:port from a session's
// configured URL, defaulting to "mqtt" when the URL fails to parse (the
// transport registry will then reject an unknown scheme explicitly rather
// than dial silently).
func schemeOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "mqtt"
	}
	return u.Scheme
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
