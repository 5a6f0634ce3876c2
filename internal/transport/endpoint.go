package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

type Protocol string

const (
	STOMP  Protocol = "stomp"
	MQTT   Protocol = "mqtt"
	Memory Protocol = "mem"
)

type scheme struct {
	proto  Protocol
	secure bool
	port   string
}

var schemes = map[string]scheme{
	"tcp":       {STOMP, false, "61613"},
	"stomp":     {STOMP, false, "61613"},
	"ssl":       {STOMP, true, "61612"},
	"stomp+ssl": {STOMP, true, "61612"},
	"stomp+tls": {STOMP, true, "61612"},
	"mqtt":      {MQTT, false, "1883"},
	"mqtts":     {MQTT, true, "8883"},
	"mqtt+ssl":  {MQTT, true, "8883"},
	"mem":       {Memory, false, ""},
}

// Endpoint is a parsed broker URL.
type Endpoint struct {
	Protocol Protocol
	Secure   bool
	Host     string
	Port     string
}

// Addr is host:port for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse broker url: %w", err)
	}
	s, ok := schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return Endpoint{}, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
	ep := Endpoint{Protocol: s.proto, Secure: s.secure, Host: u.Hostname(), Port: u.Port()}
	if s.proto == Memory {
		return ep, nil
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("broker url %q has no host", raw)
	}
	if ep.Port == "" {
		ep.Port = s.port
	}
	return ep, nil
}
