package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// stubNetwork answers every query with the queried node's adjacency list,
// in send order, optionally preceded by noise messages.
type stubNetwork struct {
	graph    protocol.Topology
	inbox    []protocol.Message
	sent     []protocol.Message
	noise    func(to string) []protocol.Message
	failRecv int // fail the Nth Receive call (1-based); zero disables
	drop     string
	recvs    int
	block    bool
}

func (s *stubNetwork) Send(_ context.Context, msg protocol.Message) error {
	s.sent = append(s.sent, msg)
	if msg.Kind != protocol.KindQuery {
		return nil
	}
	if msg.ReceiverID == s.drop {
		return nil
	}
	if s.noise != nil {
		s.inbox = append(s.inbox, s.noise(msg.ReceiverID)...)
	}
	s.inbox = append(s.inbox, protocol.NewNeighbors(msg.ReceiverID, msg.SenderID, s.graph[msg.ReceiverID]))
	return nil
}

func (s *stubNetwork) Receive(ctx context.Context) (protocol.Message, error) {
	s.recvs++
	if s.failRecv > 0 && s.recvs == s.failRecv {
		return protocol.Message{}, io.ErrUnexpectedEOF
	}
	if s.block {
		<-ctx.Done()
		return protocol.Message{}, ctx.Err()
	}
	if len(s.inbox) == 0 {
		return protocol.Message{}, io.EOF
	}
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return msg, nil
}

func (s *stubNetwork) queried() []string {
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		if msg.Kind == protocol.KindQuery {
			out = append(out, msg.ReceiverID)
		}
	}
	return out
}

type recorder struct {
	NopObserver
	states     []State
	nodes      []NodeEvent
	violations []protocol.Message
	received   int
}

func (r *recorder) StateChanged(_, to State) { r.states = append(r.states, to) }
func (r *recorder) NodeDiscovered(ev NodeEvent) { r.nodes = append(r.nodes, ev) }
func (r *recorder) MessageReceived(protocol.Message) { r.received++ }
func (r *recorder) ProtocolViolation(msg protocol.Message) {
	r.violations = append(r.violations, msg)
}

func newEngine(t *testing.T, net *stubNetwork, cfg Config, obs Observer) *Engine {
	t.Helper()
	e, err := NewEngine(net, cfg, obs)
	require.NoError(t, err)
	return e
}

func fourNodeGraph() protocol.Topology {
	return protocol.Topology{
		"A": {"B", "C"},
		"B": {"A"},
		"C": {"A", "D"},
		"D": {"C"},
	}
}

func TestDiscoverFourNodeGraph(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	rec := &recorder{}
	e := newEngine(t, net, DefaultConfig(), rec)

	topo, err := e.Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, fourNodeGraph(), topo)
	require.Equal(t, []string{"A", "B", "C", "D"}, net.queried())

	order := make([]string, 0, len(rec.nodes))
	for i, ev := range rec.nodes {
		order = append(order, ev.NodeID)
		require.Equal(t, i+1, ev.Count)
	}
	require.Equal(t, []string{"A", "B", "C", "D"}, order)
	require.Equal(t, []State{StateBootstrapped, StateQuerying, StateComplete}, rec.states)
	require.Equal(t, StateComplete, e.State())
	require.Empty(t, e.Outstanding())
}

func TestDiscoverBootstrapQueryAddressedToSelf(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	_, err := newEngine(t, net, DefaultConfig(), nil).Discover(context.Background(), "A")
	require.NoError(t, err)
	first := net.sent[0]
	require.Equal(t, protocol.KindQuery, first.Kind)
	require.Equal(t, "A", first.SenderID)
	require.Equal(t, "A", first.ReceiverID)
	for _, msg := range net.sent {
		require.Equal(t, "A", msg.SenderID)
		require.NotEmpty(t, msg.MsgID)
	}
}

func TestDiscoverIsBreadthFirst(t *testing.T) {
	testlog.Start(t)
	graph := protocol.Topology{
		"A": {"B", "C"},
		"B": {"A", "D"},
		"C": {"A", "E"},
		"D": {"B", "F"},
		"E": {"C"},
		"F": {"D"},
	}
	net := &stubNetwork{graph: graph}
	topo, err := newEngine(t, net, DefaultConfig(), nil).Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, graph, topo)
	require.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, net.queried())
}

func TestDiscoverQueriesEachNodeOnce(t *testing.T) {
	testlog.Start(t)
	graph := protocol.Topology{
		"A": {"B", "C", "D", "A", "B"},
		"B": {"A", "C", "D", "B"},
		"C": {"A", "B", "D", "D"},
		"D": {"A", "B", "C"},
	}
	net := &stubNetwork{graph: graph}
	topo, err := newEngine(t, net, DefaultConfig(), nil).Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, graph, topo)

	seen := map[string]int{}
	for _, id := range net.queried() {
		seen[id]++
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "node %s queried %d times", id, n)
	}
	require.Len(t, seen, 4)
}

func TestDiscoverReachableSetOnly(t *testing.T) {
	testlog.Start(t)
	graph := protocol.Topology{}
	// ring of 50 with chords, plus a disconnected pair
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("n%d", i)
		graph[id] = []string{
			fmt.Sprintf("n%d", (i+1)%50),
			fmt.Sprintf("n%d", (i+49)%50),
			fmt.Sprintf("n%d", (i*7)%50),
		}
	}
	graph["x1"] = []string{"x2"}
	graph["x2"] = []string{"x1"}

	net := &stubNetwork{graph: graph}
	topo, err := newEngine(t, net, DefaultConfig(), nil).Discover(context.Background(), "n0")
	require.NoError(t, err)

	got := topo.Nodes()
	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		want = append(want, fmt.Sprintf("n%d", i))
	}
	sort.Strings(want)
	require.Equal(t, want, got)
	require.Len(t, net.queried(), 50)
}

func TestDiscoverLeafNodeHasEmptyList(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: protocol.Topology{"solo": nil}}
	topo, err := newEngine(t, net, DefaultConfig(), nil).Discover(context.Background(), "solo")
	require.NoError(t, err)
	require.Len(t, topo, 1)
	require.Empty(t, topo["solo"])
}

func TestDiscoverToleratesProtocolViolations(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{
		graph: fourNodeGraph(),
		noise: func(to string) []protocol.Message {
			return []protocol.Message{
				protocol.NewInit("coord", to),
				{SenderID: to, ReceiverID: "A", MsgID: "n", Kind: "ping"},
			}
		},
	}
	rec := &recorder{}
	topo, err := newEngine(t, net, DefaultConfig(), rec).Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, fourNodeGraph(), topo)
	require.Len(t, rec.violations, 8)
	require.Equal(t, 12, rec.received)
}

func TestDiscoverReceiveFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph(), failRecv: 3}
	rec := &recorder{}
	e := newEngine(t, net, DefaultConfig(), rec)
	topo, err := e.Discover(context.Background(), "A")
	require.Nil(t, topo)
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, StateFailed, e.State())
	require.Len(t, rec.nodes, 2)
	for _, msg := range net.sent {
		require.NotEqual(t, protocol.KindTopology, msg.Kind)
	}
	require.NotEmpty(t, e.Outstanding())
}

func TestDiscoverClosedStreamIsFatal(t *testing.T) {
	testlog.Start(t)
	// D is queried but never answered, so the stream runs dry.
	net := &stubNetwork{graph: fourNodeGraph(), drop: "D"}
	e := newEngine(t, net, DefaultConfig(), nil)
	_, err := e.Discover(context.Background(), "A")
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"A", "B", "C", "D"}, net.queried())
}

func TestDiscoverDeadlineIsTimeout(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph(), block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	e := newEngine(t, net, DefaultConfig(), nil)
	_, err := e.Discover(ctx, "A")
	require.ErrorIs(t, err, protocol.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateFailed, e.State())
}

func TestDiscoverCancelIsTransportFailure(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, net, DefaultConfig(), nil).Discover(ctx, "A")
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestDiscoverEngineIsSingleUse(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	e := newEngine(t, net, DefaultConfig(), nil)
	_, err := e.Discover(context.Background(), "A")
	require.NoError(t, err)
	_, err = e.Discover(context.Background(), "A")
	require.ErrorIs(t, err, ErrEngineUsed)
}

func TestDiscoverArgumentErrors(t *testing.T) {
	testlog.Start(t)
	_, err := NewEngine(nil, DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrNilTransport)

	e := newEngine(t, &stubNetwork{}, DefaultConfig(), nil)
	_, err = e.Discover(context.Background(), "  ")
	require.ErrorIs(t, err, ErrInitialIDRequired)
	require.Equal(t, StateIdle, e.State())
}

func TestDiscoverWithQueryPacing(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	e := newEngine(t, net, Config{QueryRate: 1000, QueryBurst: 2}, nil)
	topo, err := e.Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, fourNodeGraph(), topo)
}

func TestDiscoverRoundTripFromLedger(t *testing.T) {
	testlog.Start(t)
	net := &stubNetwork{graph: fourNodeGraph()}
	rec := &recorder{}
	e := newEngine(t, net, DefaultConfig(), rec)
	tick := time.Unix(1700000000, 0)
	e.now = func() time.Time {
		tick = tick.Add(10 * time.Millisecond)
		return tick
	}
	_, err := e.Discover(context.Background(), "A")
	require.NoError(t, err)
	for _, ev := range rec.nodes {
		require.Greater(t, ev.RoundTrip, time.Duration(0))
	}
}

func TestObserversFanOut(t *testing.T) {
	testlog.Start(t)
	a, b := &recorder{}, &recorder{}
	net := &stubNetwork{graph: fourNodeGraph()}
	_, err := newEngine(t, net, DefaultConfig(), Observers{a, b}).Discover(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, a.nodes, b.nodes)
	require.Len(t, a.nodes, 4)
}

func TestQueryLedgerLifecycle(t *testing.T) {
	testlog.Start(t)
	l := NewQueryLedger()
	now := time.Unix(1700000000, 0)
	l.Sent(PendingQuery{NodeID: "B", MsgID: "2", SentAt: now.Add(time.Second)})
	l.Sent(PendingQuery{NodeID: "A", MsgID: "1", SentAt: now})
	l.Sent(PendingQuery{NodeID: " ", MsgID: "x", SentAt: now})
	require.Equal(t, 2, l.Len())

	list := l.List()
	require.Equal(t, "A", list[0].NodeID)
	require.Equal(t, "B", list[1].NodeID)

	rtt, ok := l.Complete("A", now.Add(250*time.Millisecond))
	require.True(t, ok)
	require.Equal(t, 250*time.Millisecond, rtt)
	_, ok = l.Get("A")
	require.False(t, ok)
	_, ok = l.Complete("A", now)
	require.False(t, ok)
}

func TestStateString(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "querying", StateQuerying.String())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateBootstrapped.Terminal())
}
