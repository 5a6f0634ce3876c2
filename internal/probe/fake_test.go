package probe

import (
	"context"
	"sync"
	"time"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

// fake transport you can script; counters are read after Run returns.
type fakeTransport struct {
	conn *fakeConn
}

func newFake(msgs ...*fakeMessage) *fakeTransport {
	cons := &fakeConsumer{msgs: make(chan transport.Message, len(msgs)+1)}
	for _, m := range msgs {
		cons.msgs <- m
	}
	return &fakeTransport{conn: &fakeConn{sess: &fakeSession{consumer: cons}}}
}

func (f *fakeTransport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Connection, error) {
	return f.conn, nil
}

type fakeConn struct {
	sess     *fakeSession
	closeErr error

	mu       sync.Mutex
	closes   int
	listener transport.FailureListener
}

func (c *fakeConn) SetFailureListener(l transport.FailureListener) { c.listener = l }

func (c *fakeConn) OpenSession(transacted bool, ack domain.AckMode) (transport.Session, error) {
	c.sess.transacted = transacted
	return c.sess, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

type fakeSession struct {
	consumer   *fakeConsumer
	transacted bool

	mu      sync.Mutex
	sent    []transport.Outgoing
	commits int
	closes  int
}

func (s *fakeSession) Destination(name string, kind domain.DestinationKind) (transport.Destination, error) {
	return transport.NewDestination(name, kind)
}

func (s *fakeSession) Producer(dest *transport.Destination, opts transport.ProducerOptions) (transport.Producer, error) {
	return &fakeProducer{s: s, dest: dest}, nil
}

func (s *fakeSession) Consumer(dest transport.Destination, subscription string) (transport.Consumer, error) {
	return s.consumer, nil
}

func (s *fakeSession) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeProducer struct {
	s    *fakeSession
	dest *transport.Destination
}

func (p *fakeProducer) Send(ctx context.Context, msg transport.Outgoing) error {
	if msg.To == nil {
		msg.To = p.dest
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.sent = append(p.s.sent, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	msgs chan transport.Message

	mu     sync.Mutex
	closes int
}

func (c *fakeConsumer) Receive(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *fakeConsumer) SetHandler(h func(transport.Message)) error {
	go func() {
		for m := range c.msgs {
			h(m)
		}
	}()
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type fakeMessage struct {
	id      string
	body    string
	replyTo *transport.Destination
	ackErr  error

	mu   sync.Mutex
	acks int
}

func (m *fakeMessage) Body() []byte                    { return []byte(m.body) }
func (m *fakeMessage) ID() string                      { return m.id }
func (m *fakeMessage) CorrelationID() string           { return "" }
func (m *fakeMessage) ReplyTo() *transport.Destination { return m.replyTo }

func (m *fakeMessage) Acknowledge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return m.ackErr
}
