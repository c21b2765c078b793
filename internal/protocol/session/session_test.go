package session

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/testutil/coordinator"
	"github.com/danmuck/topoctl/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.CloseWaitTimeout = time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 20 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

func connect(t *testing.T, addr string) *Conn {
	t.Helper()
	client, err := NewClient(ClientConfig{Address: addr, Session: testConfig(), MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1.0, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		got := cfg.Delay(3, rng)
		if got < 50*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
	if got := (BackoffConfig{}).Delay(4, nil); got != 0 {
		t.Fatalf("zero config should not wait, got %v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReadTimeout: 0}.WithDefaults()
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.WriteTimeout != def.WriteTimeout {
		t.Fatalf("timeouts not defaulted: %+v", cfg)
	}
	if cfg.ReadTimeout != 0 {
		t.Fatalf("read timeout must stay unset, got %v", cfg.ReadTimeout)
	}
	if cfg.Limits.MaxBufferBytes != def.Limits.MaxBufferBytes {
		t.Fatalf("limits not defaulted: %+v", cfg.Limits)
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(ClientConfig{Address: "  "}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client, err := NewClient(ClientConfig{Address: addr, Session: testConfig(), MaxConnectAttempts: 3})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	_, err = client.Connect(context.Background())
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected backoff between attempts, elapsed=%v", elapsed)
	}
}

func TestAwaitInitAndExchange(t *testing.T) {
	testlog.Start(t)
	coord := coordinator.Start(t, coordinator.Options{
		LocalID: "A",
		Graph:   protocol.Topology{"A": {"B"}, "B": {"A"}},
		Chunk:   3,
	})
	conn := connect(t, coord.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	initMsg, err := conn.AwaitInit(ctx)
	if err != nil {
		t.Fatalf("await init: %v", err)
	}
	if initMsg.ReceiverID != "A" {
		t.Fatalf("unexpected local id: %q", initMsg.ReceiverID)
	}

	if err := conn.Send(ctx, protocol.NewQuery("A", "A")); err != nil {
		t.Fatalf("send query: %v", err)
	}
	if err := conn.Send(ctx, protocol.NewQuery("A", "B")); err != nil {
		t.Fatalf("send query: %v", err)
	}
	for _, want := range []string{"A", "B"} {
		msg, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if msg.Kind != protocol.KindNeighbors || msg.SenderID != want {
			t.Fatalf("unexpected response: %+v", msg)
		}
	}

	topo := protocol.Topology{"A": {"B"}, "B": {"A"}}
	if err := conn.SendTopology(ctx, "A", topo); err != nil {
		t.Fatalf("send topology: %v", err)
	}
	got, ok := coord.Topology(2 * time.Second)
	if !ok {
		t.Fatalf("coordinator never received topology")
	}
	if got.ReceiverID != "" || got.SenderID != "A" || len(got.Topology) != 2 {
		t.Fatalf("unexpected topology message: %+v", got)
	}
	if err := conn.WaitClosed(ctx); err != nil {
		t.Fatalf("wait closed: %v", err)
	}
	if err := coord.Err(); err != nil {
		t.Fatalf("coordinator: %v", err)
	}
}

func TestReceiveDeadlineIsTimeout(t *testing.T) {
	testlog.Start(t)
	coord := coordinator.Start(t, coordinator.Options{LocalID: "A", Silent: true})
	conn := connect(t, coord.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.AwaitInit(ctx); err != nil {
		t.Fatalf("await init: %v", err)
	}
	if err := conn.Send(ctx, protocol.NewQuery("A", "A")); err != nil {
		t.Fatalf("send: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err := conn.Receive(short)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReceiveAfterPeerCloseIsTransportError(t *testing.T) {
	testlog.Start(t)
	coord := coordinator.Start(t, coordinator.Options{LocalID: "A", DropAfter: 1, Graph: protocol.Topology{"A": {"B"}}})
	conn := connect(t, coord.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.AwaitInit(ctx); err != nil {
		t.Fatalf("await init: %v", err)
	}
	_ = conn.Send(ctx, protocol.NewQuery("A", "A"))
	if _, err := conn.Receive(ctx); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	_ = conn.Send(ctx, protocol.NewQuery("A", "B"))
	_, err := conn.Receive(ctx)
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestSendOnClosedConn(t *testing.T) {
	testlog.Start(t)
	coord := coordinator.Start(t, coordinator.Options{LocalID: "A"})
	conn := connect(t, coord.Addr())
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := conn.Send(context.Background(), protocol.NewQuery("A", "A"))
	if !errors.Is(err, ErrConnClosed) || !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected closed transport error, got %v", err)
	}
}

func TestDeadlinePrefersEarlierContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	d := deadline(ctx, time.Hour)
	if time.Until(d) > time.Second {
		t.Fatalf("expected context deadline, got %v", d)
	}
	if !deadline(context.Background(), 0).IsZero() {
		t.Fatalf("expected no deadline")
	}
}
