package probe

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/config"
	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
	"github.com/hamed0406/brokerprobe/internal/transport/memory"
	"github.com/hamed0406/brokerprobe/internal/transport/stomp"
)

func memConfig() config.Config {
	cfg := config.Defaults()
	cfg.URL = "mem://local"
	return cfg
}

func newController(cfg config.Config, tr transport.Transport) (*Controller, *bytes.Buffer) {
	var out bytes.Buffer
	return &Controller{
		Config:    cfg,
		Transport: tr,
		Logger:    zap.NewNop(),
		Out:       &out,
		Exit:      func(int) { panic("unexpected exit") },
	}, &out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sent, received bool
		want           domain.Verdict
		summary        string
	}{
		{true, true, domain.OK, SummaryOK},
		{true, false, domain.Warning, SummaryWarning},
		{false, false, domain.Critical, SummaryCritical},
		{false, true, domain.Critical, SummaryCritical},
	}
	for _, c := range cases {
		v, s := Classify(c.sent, c.received)
		assert.Equal(t, c.want, v, "sent=%v received=%v", c.sent, c.received)
		assert.Equal(t, c.summary, s)
	}
}

func TestRun_EchoWithinTimeout_OK(t *testing.T) {
	b := memory.NewBroker()
	ctl, out := newController(memConfig(), b.Transport())

	res := ctl.Run(context.Background())

	assert.Equal(t, domain.OK, res.Verdict)
	assert.Equal(t, 0, res.Verdict.ExitCode())
	assert.True(t, res.Sent)
	assert.True(t, res.Received)
	assert.NoError(t, res.Err)
	assert.Equal(t, SummaryOK+"\n", out.String())
	assert.Zero(t, b.Pending("nagiosprobe"))
}

func TestRun_NothingDelivered_Warning(t *testing.T) {
	b := memory.NewBroker()
	b.Drop = true
	ctl, out := newController(memConfig(), b.Transport())

	start := time.Now()
	res := ctl.Run(context.Background())

	assert.Equal(t, domain.Warning, res.Verdict)
	assert.Equal(t, 1, res.Verdict.ExitCode())
	assert.True(t, res.Sent)
	assert.False(t, res.Received)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "one full receive window")
	assert.Equal(t, SummaryWarning+"\n", out.String())
}

func TestRun_ConnectRefused_Critical(t *testing.T) {
	b := memory.NewBroker()
	b.ConnectErr = errors.New("connection refused")
	ctl, _ := newController(memConfig(), b.Transport())

	res := ctl.Run(context.Background())

	assert.Equal(t, domain.Critical, res.Verdict)
	assert.Equal(t, 2, res.Verdict.ExitCode())
	assert.False(t, res.Sent)
	assert.Zero(t, b.Pending("nagiosprobe"), "no send attempted")

	var perr *PhaseError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, PhaseConnect, perr.Phase)
	assert.Equal(t, "connect failed: connection refused", res.Summary)
}

// selfSignedListener completes TLS handshakes with a certificate nobody
// trusts.
func selfSignedListener(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "broker.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = c.(*tls.Conn).Handshake()
				_ = c.Close()
			}()
		}
	}()
	return "ssl://" + l.Addr().String()
}

func TestRun_TLSHandshakeFails_Critical(t *testing.T) {
	cfg := config.Defaults()
	cfg.URL = selfSignedListener(t)
	ctl, out := newController(cfg, stomp.New(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := ctl.Run(ctx)

	assert.Equal(t, domain.Critical, res.Verdict)
	assert.Equal(t, 2, res.Verdict.ExitCode())
	assert.False(t, res.Sent)
	var perr *PhaseError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, PhaseConnect, perr.Phase)
	assert.True(t, strings.HasPrefix(out.String(), "connect failed: tls dial "), out.String())
}

func TestRun_MissingTrustStore_Unknown(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.TLS.TrustStore = filepath.Join(t.TempDir(), "nope.ts")
	cfg.TLS.KeyStore = filepath.Join(t.TempDir(), "nope.ks")
	ctl, out := newController(cfg, b.Transport())
	ctl.LoadTLS = func(config.TLS, *zap.Logger) (*tls.Config, error) {
		t.Fatal("TLS material must not be loaded")
		return nil, nil
	}

	res := ctl.Run(context.Background())

	assert.Equal(t, domain.Unknown, res.Verdict)
	assert.Equal(t, 3, res.Verdict.ExitCode())
	assert.Zero(t, b.Connects(), "no transport calls")
	assert.Equal(t, "TrustStore file doesn't exists or not readable\n", out.String())
}

func TestRun_InvalidOptions_Unknown(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.ReceiveTimeout = -time.Second

	ctl, _ := newController(cfg, b.Transport())
	res := ctl.Run(context.Background())

	assert.Equal(t, domain.Unknown, res.Verdict)
	assert.Zero(t, b.Connects())
	var cerr *config.Error
	assert.True(t, errors.As(res.Err, &cerr))
}

func TestRun_DurableQueue_PlainConsumer(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.Durable = true

	ctl, _ := newController(cfg, b.Transport())
	res := ctl.Run(context.Background())

	assert.Equal(t, domain.OK, res.Verdict)
	assert.Equal(t, 1, b.Connects())
}

func TestRun_FaultMidReceive_Critical(t *testing.T) {
	b := memory.NewBroker()
	b.BeforeReceive = func() { b.Fail(errors.New("broker went away")) }
	ctl, out := newController(memConfig(), b.Transport())

	res := ctl.Run(context.Background())

	assert.True(t, res.Received, "the message still arrived")
	assert.Equal(t, domain.Critical, res.Verdict)
	assert.Equal(t, SummaryFault+"\n", out.String())
	assert.EqualError(t, res.Err, "broker went away")
}

func TestRun_SendFails_Critical(t *testing.T) {
	b := memory.NewBroker()
	b.SendErr = errors.New("destination full")
	ctl, _ := newController(memConfig(), b.Transport())

	res := ctl.Run(context.Background())

	assert.Equal(t, domain.Critical, res.Verdict)
	assert.False(t, res.Sent)
	assert.False(t, res.Received)
	var perr *PhaseError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, PhaseSend, perr.Phase)
}

func TestRun_TopicWithoutSubscriber_Warning(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.Kind = domain.Topic
	cfg.ReceiveTimeout = 50 * time.Millisecond
	ctl, _ := newController(cfg, b.Transport())

	res := ctl.Run(context.Background())
	assert.Equal(t, domain.Warning, res.Verdict)
}

func TestRun_DurableTopic_SecondRunSeesBufferedMessage(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.Kind = domain.Topic
	cfg.Durable = true
	cfg.ReceiveTimeout = 100 * time.Millisecond

	first, _ := newController(cfg, b.Transport())
	assert.Equal(t, domain.Warning, first.Run(context.Background()).Verdict, "subscription did not exist yet")

	second, _ := newController(cfg, b.Transport())
	assert.Equal(t, domain.OK, second.Run(context.Background()).Verdict)
}

func TestRun_ReplyTo(t *testing.T) {
	b := memory.NewBroker()
	queue := transport.Destination{Name: "nagiosprobe", Kind: domain.Queue}
	replies := transport.Destination{Name: "monitor.replies", Kind: domain.Queue}
	require.NoError(t, b.Publish(queue, transport.Outgoing{Body: "ping", ReplyTo: &replies}))

	ctl, _ := newController(memConfig(), b.Transport())
	res := ctl.Run(context.Background())
	assert.Equal(t, domain.OK, res.Verdict, "any delivered message counts")

	reply, ok := b.Take("monitor.replies")
	require.True(t, ok)
	assert.Equal(t, "Reply: ID:mem-1", string(reply.Body()))
}

func TestRun_TransactedCommitsSendAndReceive(t *testing.T) {
	f := newFake(&fakeMessage{id: "m1", body: Payload})
	cfg := memConfig()
	cfg.AckMode = domain.SessionTransacted
	ctl, _ := newController(cfg, f)

	res := ctl.Run(context.Background())

	assert.Equal(t, domain.OK, res.Verdict)
	assert.True(t, f.conn.sess.transacted)
	assert.Equal(t, 2, f.conn.sess.commits)
}

func TestRun_ClientAcknowledge(t *testing.T) {
	m := &fakeMessage{id: "m1", body: Payload}
	f := newFake(m)
	cfg := memConfig()
	cfg.AckMode = domain.ClientAcknowledge
	ctl, _ := newController(cfg, f)

	assert.Equal(t, domain.OK, ctl.Run(context.Background()).Verdict)
	assert.Equal(t, 1, m.acks)
	assert.Zero(t, f.conn.sess.commits)
}

func TestRun_AutoAcknowledgeDoesNotAck(t *testing.T) {
	m := &fakeMessage{id: "m1", body: Payload}
	ctl, _ := newController(memConfig(), newFake(m))

	assert.Equal(t, domain.OK, ctl.Run(context.Background()).Verdict)
	assert.Zero(t, m.acks)
}

func TestRun_AckFailureInBoundedMode_Critical(t *testing.T) {
	m := &fakeMessage{id: "m1", body: Payload, ackErr: errors.New("session closed")}
	cfg := memConfig()
	cfg.AckMode = domain.ClientAcknowledge
	ctl, _ := newController(cfg, newFake(m))

	res := ctl.Run(context.Background())
	assert.Equal(t, domain.Critical, res.Verdict)
	assert.True(t, res.Received)
	var perr *PhaseError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, PhaseDeliver, perr.Phase)
}

func TestRun_SentMessageCarriesCorrelationID(t *testing.T) {
	f := newFake()
	cfg := memConfig()
	cfg.ReceiveTimeout = 10 * time.Millisecond
	ctl, _ := newController(cfg, f)

	ctl.Run(context.Background())
	require.Len(t, f.conn.sess.sent, 1)
	sent := f.conn.sess.sent[0]
	assert.Equal(t, Payload, sent.Body)
	assert.NotEmpty(t, sent.CorrelationID)
	assert.Equal(t, "queue://nagiosprobe", sent.To.String())
}

func TestRun_TeardownClosesEverythingOnce(t *testing.T) {
	f := newFake(&fakeMessage{id: "m1", body: Payload})
	f.conn.closeErr = errors.New("socket already closed")
	ctl, _ := newController(memConfig(), f)

	r := ctl.newRun()
	res := r.execute(context.Background())
	assert.Equal(t, domain.OK, res.Verdict, "teardown errors never change the verdict")

	assert.NotPanics(t, r.teardown)
	assert.NotPanics(t, r.teardown)
	assert.Equal(t, 1, f.conn.closes)
	assert.Equal(t, 1, f.conn.sess.closes)
	assert.Equal(t, 1, f.conn.sess.consumer.closes)
	assert.Equal(t, domain.OK, r.st.finalize(domain.Critical), "verdict is final")
}

func TestRun_Verbose(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.Verbose = true
	ctl, out := newController(cfg, b.Transport())

	res := ctl.Run(context.Background())
	require.Equal(t, domain.OK, res.Verdict)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Sending message: Broker connection testing!",
		"Done.",
		"connection stats:",
		"  messagesSent = 1",
		"  messagesReceived = 0",
		"  acknowledged = 0",
		"  commits = 0",
		"We will consume messages while they continue to be delivered within: 1000 ms, and then we will shutdown",
		"Received: Broker connection testing!",
		"Closing connection",
		SummaryOK,
	}, lines)
}

func TestRun_VerbosePrintsErrorChain(t *testing.T) {
	b := memory.NewBroker()
	b.ConnectErr = fmt.Errorf("dial tcp: %w", errors.New("connection refused"))
	cfg := memConfig()
	cfg.Verbose = true
	ctl, out := newController(cfg, b.Transport())

	ctl.Run(context.Background())
	assert.Equal(t, "connect failed: dial tcp: connection refused\n"+
		"  caused by: dial tcp: connection refused\n"+
		"  caused by: connection refused\n", out.String())
}

func TestRun_ListenerMode_StopsOnContext(t *testing.T) {
	b := memory.NewBroker()
	cfg := memConfig()
	cfg.ReceiveTimeout = 0
	ctl, _ := newController(cfg, b.Transport())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := ctl.Run(ctx)

	assert.Equal(t, domain.OK, res.Verdict)
	assert.True(t, res.Received)
}

func TestRun_ListenerMode_StopsOnFault(t *testing.T) {
	b := memory.NewBroker()
	b.Drop = true
	cfg := memConfig()
	cfg.ReceiveTimeout = 0
	ctl, out := newController(cfg, b.Transport())

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Fail(errors.New("connection reset"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := ctl.Run(ctx)

	require.NoError(t, ctx.Err(), "stopped by the fault, not the deadline")
	assert.Equal(t, domain.Critical, res.Verdict)
	assert.Equal(t, SummaryFault+"\n", out.String())
}

func TestRun_ListenerMode_DeliveryErrorExits(t *testing.T) {
	m := &fakeMessage{id: "m1", body: Payload, ackErr: errors.New("session closed")}
	cfg := memConfig()
	cfg.ReceiveTimeout = 0
	cfg.AckMode = domain.ClientAcknowledge
	ctl, out := newController(cfg, newFake(m))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	codes := make(chan int, 1)
	ctl.Exit = func(code int) {
		codes <- code
		cancel()
	}

	ctl.Run(ctx)
	select {
	case code := <-codes:
		assert.Equal(t, 2, code)
	default:
		t.Fatal("exit was not called")
	}
	assert.Contains(t, out.String(), "CRITICAL: acknowledge: session closed\n")
}

func TestState_FaultAfterFinalizeDoesNotRevise(t *testing.T) {
	st := newState()
	assert.Equal(t, domain.OK, st.finalize(domain.OK))
	st.fail(errors.New("late"))
	st.fail(errors.New("later"))
	assert.Equal(t, domain.OK, st.finalize(domain.Critical))
	assert.EqualError(t, st.faulted(), "late")
	assert.False(t, st.isRunning())
}

func TestState_FaultForcesCritical(t *testing.T) {
	st := newState()
	st.markSent()
	assert.True(t, st.markReceived())
	assert.False(t, st.markReceived())
	st.fail(errors.New("boom"))
	select {
	case <-st.stopped():
	default:
		t.Fatal("stop channel not closed")
	}
	assert.Equal(t, domain.Critical, st.finalize(domain.OK))
}
