// Package stomp adapts github.com/go-stomp/stomp to the transport ports.
// Header names follow ActiveMQ's STOMP mapping of JMS features.
package stomp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

const (
	contentType = "text/plain"

	hdrPersistent    = "persistent"
	hdrExpires       = "expires"
	hdrReplyTo       = "reply-to"
	hdrCorrelationID = "correlation-id"
	hdrMessageID     = "message-id"
	hdrClientID      = "client-id"
	hdrSubscription  = "activemq.subscriptionName"

	queuePrefix = "/queue/"
	topicPrefix = "/topic/"
)

// temporary destinations are broker-named and only valid as sent
var tempPrefixes = []struct {
	prefix string
	kind   domain.DestinationKind
}{
	{"/temp-queue/", domain.Queue},
	{"/temp-topic/", domain.Topic},
	{"/remote-temp-queue/", domain.Queue},
	{"/remote-temp-topic/", domain.Topic},
}

type Transport struct {
	Logger      *zap.Logger
	DialTimeout time.Duration
}

func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{Logger: logger, DialTimeout: 10 * time.Second}
}

func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Connection, error) {
	ep, err := transport.ParseEndpoint(opts.URL)
	if err != nil {
		return nil, err
	}
	if ep.Protocol != transport.STOMP {
		return nil, fmt.Errorf("stomp: cannot dial %s endpoint", ep.Protocol)
	}

	nc, err := t.dial(ctx, ep, opts.TLS)
	if err != nil {
		return nil, err
	}
	// CONNECT/CONNECTED is not context aware; bound it with the deadline.
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	} else if t.DialTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(t.DialTimeout))
	}

	connOpts := []func(*stomp.Conn) error{stomp.ConnOpt.Host(ep.Host)}
	if opts.Username != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Login(opts.Username, opts.Password))
	}
	if opts.ClientID != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Header(hdrClientID, opts.ClientID))
	}
	sc, err := stomp.Connect(nc, connOpts...)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("stomp connect %s: %w", ep.Addr(), err)
	}
	_ = nc.SetDeadline(time.Time{})

	t.Logger.Debug("stomp_connected",
		zap.String("addr", ep.Addr()),
		zap.Bool("tls", ep.Secure),
		zap.String("server", sc.Server()),
	)
	return &connection{conn: sc, log: t.Logger, done: make(chan struct{})}, nil
}

func (t *Transport) dial(ctx context.Context, ep transport.Endpoint, cfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.DialTimeout}
	if !ep.Secure {
		nc, err := d.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.Addr(), err)
		}
		return nc, nil
	}
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg}
	nc, err := td.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", ep.Addr(), err)
	}
	return nc, nil
}

type connection struct {
	conn *stomp.Conn
	log  *zap.Logger

	mu       sync.Mutex
	listener transport.FailureListener

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	sent, received, acked, commits atomic.Int64
}

func (c *connection) SetFailureListener(l transport.FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// fail forwards connection-level errors seen on subscription channels.
func (c *connection) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	c.log.Warn("stomp_connection_error", zap.Error(err))
	if l != nil {
		l(err)
	}
}

func (c *connection) OpenSession(transacted bool, ack domain.AckMode) (transport.Session, error) {
	s := &session{c: c, transacted: transacted, ack: ack}
	if transacted {
		s.tx = c.conn.Begin()
	}
	return s, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Disconnect()
	})
	return c.closeErr
}

func (c *connection) Stats() transport.Stats {
	return transport.Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Acknowledged:     c.acked.Load(),
		Commits:          c.commits.Load(),
	}
}

type session struct {
	c          *connection
	transacted bool
	ack        domain.AckMode

	mu        sync.Mutex
	tx        *stomp.Transaction
	consumers []*consumer
}

func (s *session) Destination(name string, kind domain.DestinationKind) (transport.Destination, error) {
	return transport.NewDestination(name, kind)
}

func (s *session) Producer(dest *transport.Destination, opts transport.ProducerOptions) (transport.Producer, error) {
	return &producer{s: s, dest: dest, opts: opts}, nil
}

func (s *session) Consumer(dest transport.Destination, subscription string) (transport.Consumer, error) {
	var subOpts []func(*frame.Frame) error
	durable := subscription != "" && dest.Kind == domain.Topic
	if durable {
		subOpts = append(subOpts, stomp.SubscribeOpt.Header(hdrSubscription, subscription))
	}
	sub, err := s.c.conn.Subscribe(path(dest), ackMode(s.transacted, s.ack), subOpts...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path(dest), err)
	}
	c := &consumer{s: s, sub: sub, durable: durable, done: make(chan struct{})}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

func (s *session) send(dest string, body []byte, opts ...func(*frame.Frame) error) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	var err error
	if tx != nil {
		err = tx.Send(dest, contentType, body, opts...)
	} else {
		err = s.c.conn.Send(dest, contentType, body, opts...)
	}
	if err != nil {
		return err
	}
	s.c.sent.Add(1)
	return nil
}

// Commit commits the open STOMP transaction and begins the next one.
func (s *session) Commit() error {
	if !s.transacted {
		return transport.ErrNotTransacted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return transport.ErrClosed
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("stomp commit: %w", err)
	}
	s.tx = s.c.conn.Begin()
	s.c.commits.Add(1)
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	var err error
	for _, c := range consumers {
		err = multierr.Append(err, c.Close())
	}
	if tx != nil {
		err = multierr.Append(err, tx.Abort())
	}
	return err
}

func (s *session) ackInTx(m *stomp.Message) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return transport.ErrClosed
	}
	return tx.Ack(m)
}

type producer struct {
	s    *session
	dest *transport.Destination
	opts transport.ProducerOptions
}

func (p *producer) Send(ctx context.Context, msg transport.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := p.dest
	if msg.To != nil {
		to = msg.To
	}
	if to == nil {
		return transport.ErrNoDestination
	}

	var opts []func(*frame.Frame) error
	if p.opts.Delivery == domain.Persistent {
		opts = append(opts, stomp.SendOpt.Header(hdrPersistent, "true"))
		if !p.s.transacted {
			opts = append(opts, stomp.SendOpt.Receipt)
		}
	}
	if p.opts.TTL > 0 {
		expires := time.Now().Add(p.opts.TTL).UnixMilli()
		opts = append(opts, stomp.SendOpt.Header(hdrExpires, strconv.FormatInt(expires, 10)))
	}
	if msg.ReplyTo != nil {
		opts = append(opts, stomp.SendOpt.Header(hdrReplyTo, path(*msg.ReplyTo)))
	}
	if msg.CorrelationID != "" {
		opts = append(opts, stomp.SendOpt.Header(hdrCorrelationID, msg.CorrelationID))
	}
	if err := p.s.send(path(*to), []byte(msg.Body), opts...); err != nil {
		return fmt.Errorf("stomp send %s: %w", path(*to), err)
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	s       *session
	sub     *stomp.Subscription
	durable bool

	handlerOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-c.sub.C:
		return c.accept(m, ok)
	case <-timer.C:
		return nil, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) SetHandler(h func(transport.Message)) error {
	err := transport.ErrHandlerPresent
	c.handlerOnce.Do(func() {
		err = nil
		go func() {
			for {
				select {
				case m, ok := <-c.sub.C:
					msg, err := c.accept(m, ok)
					if err != nil {
						return
					}
					h(msg)
				case <-c.done:
					return
				}
			}
		}()
	})
	return err
}

// accept turns a subscription delivery into a transport.Message. Error
// frames and a closed channel mean the connection is gone.
func (c *consumer) accept(m *stomp.Message, ok bool) (transport.Message, error) {
	if !ok {
		c.s.c.fail(transport.ErrClosed)
		return nil, transport.ErrClosed
	}
	if m.Err != nil {
		c.s.c.fail(m.Err)
		return nil, m.Err
	}
	c.s.c.received.Add(1)
	if c.s.transacted {
		if err := c.s.ackInTx(m); err != nil {
			return nil, fmt.Errorf("stomp ack in transaction: %w", err)
		}
	}
	return &message{m: m, c: c.s.c}, nil
}

// Close unsubscribes plain consumers. Durable subscriptions stay registered
// on the broker; unsubscribing would delete them.
func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.durable {
			err = c.sub.Unsubscribe()
		}
	})
	return err
}

type message struct {
	m *stomp.Message
	c *connection
}

func (m *message) Body() []byte          { return m.m.Body }
func (m *message) ID() string            { return m.m.Header.Get(hdrMessageID) }
func (m *message) CorrelationID() string { return m.m.Header.Get(hdrCorrelationID) }

func (m *message) ReplyTo() *transport.Destination {
	d, ok := parsePath(m.m.Header.Get(hdrReplyTo))
	if !ok {
		return nil
	}
	return &d
}

func (m *message) Acknowledge() error {
	if !m.m.ShouldAck() {
		return nil
	}
	if err := m.c.conn.Ack(m.m); err != nil {
		return fmt.Errorf("stomp ack: %w", err)
	}
	m.c.acked.Add(1)
	return nil
}

func ackMode(transacted bool, mode domain.AckMode) stomp.AckMode {
	if transacted || mode == domain.SessionTransacted {
		return stomp.AckClientIndividual
	}
	if mode == domain.ClientAcknowledge {
		return stomp.AckClient
	}
	return stomp.AckAuto
}

func path(d transport.Destination) string {
	if d.Raw != "" {
		return d.Raw
	}
	if d.Kind == domain.Topic {
		return topicPrefix + d.Name
	}
	return queuePrefix + d.Name
}

func parsePath(p string) (transport.Destination, bool) {
	switch {
	case strings.HasPrefix(p, queuePrefix) && len(p) > len(queuePrefix):
		return transport.Destination{Name: strings.TrimPrefix(p, queuePrefix), Kind: domain.Queue}, true
	case strings.HasPrefix(p, topicPrefix) && len(p) > len(topicPrefix):
		return transport.Destination{Name: strings.TrimPrefix(p, topicPrefix), Kind: domain.Topic}, true
	}
	for _, t := range tempPrefixes {
		if strings.HasPrefix(p, t.prefix) && len(p) > len(t.prefix) {
			return transport.Destination{Name: strings.TrimPrefix(p, t.prefix), Kind: t.kind, Raw: p}, true
		}
	}
	return transport.Destination{}, false
}
