// Package mqtt adapts the Eclipse Paho client to the transport ports.
//
// MQTT 3.1.1 has topics only, no transactions and no reply-to. Delivery
// mode maps to QoS (persistent = 1, otherwise 0) and durability maps to a
// non-clean session keyed by the client ID.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

const inboxSize = 64

type Transport struct {
	Logger         *zap.Logger
	ConnectTimeout time.Duration
	// Quiesce is how long Disconnect waits for in-flight work.
	Quiesce time.Duration
}

func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{Logger: logger, ConnectTimeout: 10 * time.Second, Quiesce: 250 * time.Millisecond}
}

// brokerURL converts an endpoint to the scheme Paho dials.
func brokerURL(ep transport.Endpoint) string {
	if ep.Secure {
		return "ssl://" + ep.Addr()
	}
	return "tcp://" + ep.Addr()
}

// ClientID returns id, or a random one short enough for MQTT 3.1 brokers.
func ClientID(id string) string {
	if id != "" {
		return id
	}
	return "probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Connection, error) {
	ep, err := transport.ParseEndpoint(opts.URL)
	if err != nil {
		return nil, err
	}
	if ep.Protocol != transport.MQTT {
		return nil, fmt.Errorf("mqtt: cannot dial %s endpoint", ep.Protocol)
	}

	c := &connection{
		log:       t.Logger,
		quiesce:   uint(t.Quiesce / time.Millisecond),
		opTimeout: t.ConnectTimeout,
		done:      make(chan struct{}),
	}

	co := paho.NewClientOptions().
		AddBroker(brokerURL(ep)).
		SetClientID(ClientID(opts.ClientID)).
		SetCleanSession(!opts.Durable).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(t.ConnectTimeout).
		SetAutoAckDisabled(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) { c.fail(err) })
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	if ep.Secure {
		cfg := opts.TLS
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = ep.Host
		}
		co.SetTLSConfig(cfg)
	}

	client := paho.NewClient(co)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", ep.Addr(), err)
	}
	c.client = client
	t.Logger.Debug("mqtt_connected", zap.String("addr", ep.Addr()), zap.Bool("tls", ep.Secure))
	return c, nil
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connection struct {
	client    paho.Client
	log       *zap.Logger
	quiesce   uint
	opTimeout time.Duration

	mu       sync.Mutex
	listener transport.FailureListener

	closeOnce sync.Once
	done      chan struct{}

	sent, received, acked atomic.Int64
}

func (c *connection) SetFailureListener(l transport.FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// await waits for a subscribe/unsubscribe round trip.
func (c *connection) await(tok paho.Token) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	return wait(ctx, tok)
}

func (c *connection) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	c.log.Warn("mqtt_connection_lost", zap.Error(err))
	if l != nil {
		l(err)
	}
}

func (c *connection) OpenSession(transacted bool, ack domain.AckMode) (transport.Session, error) {
	if transacted || ack == domain.SessionTransacted {
		return nil, fmt.Errorf("mqtt transacted session: %w", transport.ErrUnsupported)
	}
	return &session{c: c, ack: ack}, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(c.quiesce)
	})
	return nil
}

func (c *connection) Stats() transport.Stats {
	return transport.Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Acknowledged:     c.acked.Load(),
	}
}

type session struct {
	c   *connection
	ack domain.AckMode

	mu        sync.Mutex
	consumers []*consumer
}

func (s *session) Destination(name string, kind domain.DestinationKind) (transport.Destination, error) {
	if kind != domain.Topic {
		return transport.Destination{}, fmt.Errorf("mqtt %s destination: %w", kind, transport.ErrUnsupported)
	}
	return transport.NewDestination(name, kind)
}

func (s *session) Producer(dest *transport.Destination, opts transport.ProducerOptions) (transport.Producer, error) {
	return &producer{s: s, dest: dest, opts: opts}, nil
}

func (s *session) Consumer(dest transport.Destination, subscription string) (transport.Consumer, error) {
	c := &consumer{
		s:       s,
		topic:   topicName(dest),
		durable: subscription != "",
		inbox:   make(chan paho.Message, inboxSize),
		done:    make(chan struct{}),
	}
	// durable subscriptions need QoS 1 for the broker to queue while offline
	var qos byte
	if c.durable {
		qos = 1
	}
	if err := s.c.await(s.c.client.Subscribe(c.topic, qos, c.deliver)); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", c.topic, err)
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

func (s *session) Commit() error { return transport.ErrNotTransacted }

func (s *session) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()
	var err error
	for _, c := range consumers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type producer struct {
	s    *session
	dest *transport.Destination
	opts transport.ProducerOptions
}

func (p *producer) Send(ctx context.Context, msg transport.Outgoing) error {
	to := p.dest
	if msg.To != nil {
		to = msg.To
	}
	if to == nil {
		return transport.ErrNoDestination
	}
	var qos byte
	if p.opts.Delivery == domain.Persistent {
		qos = 1
	}
	topic := topicName(*to)
	if err := wait(ctx, p.s.c.client.Publish(topic, qos, false, []byte(msg.Body))); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.s.c.sent.Add(1)
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	s       *session
	topic   string
	durable bool
	inbox   chan paho.Message

	mu      sync.Mutex
	handler func(transport.Message)

	closeOnce sync.Once
	done      chan struct{}
}

// deliver runs on Paho's router goroutine.
func (c *consumer) deliver(_ paho.Client, m paho.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(c.accept(m))
		return
	}
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *consumer) accept(m paho.Message) transport.Message {
	c.s.c.received.Add(1)
	msg := &message{m: m, c: c.s.c}
	if c.s.ack != domain.ClientAcknowledge {
		msg.ack()
	}
	return msg
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-c.inbox:
		return c.accept(m), nil
	case <-timer.C:
		return nil, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) SetHandler(h func(transport.Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return transport.ErrHandlerPresent
	}
	c.handler = h
	// flush anything that arrived before the switch
	go func() {
		for {
			select {
			case m := <-c.inbox:
				h(c.accept(m))
			default:
				return
			}
		}
	}()
	return nil
}

// Close unsubscribes plain consumers; a durable subscription is left on the
// broker.
func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.durable && c.s.c.client.IsConnected() {
			err = c.s.c.await(c.s.c.client.Unsubscribe(c.topic))
		}
	})
	return err
}

type message struct {
	m    paho.Message
	c    *connection
	once sync.Once
}

func (m *message) Body() []byte                    { return m.m.Payload() }
func (m *message) ID() string                      { return strconv.Itoa(int(m.m.MessageID())) }
func (m *message) CorrelationID() string           { return "" }
func (m *message) ReplyTo() *transport.Destination { return nil }

func (m *message) Acknowledge() error {
	m.ack()
	return nil
}

func (m *message) ack() {
	m.once.Do(func() {
		m.m.Ack()
		m.c.acked.Add(1)
	})
}

// topicName maps JMS-style dotted names onto MQTT levels, the way ActiveMQ
// bridges the two.
func topicName(d transport.Destination) string {
	return strings.ReplaceAll(d.Name, ".", "/")
}
