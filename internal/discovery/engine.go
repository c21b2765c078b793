package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrNilTransport      = errors.New("discovery: nil transport")
	ErrInitialIDRequired = errors.New("discovery: initial node id required")
	ErrEngineUsed        = errors.New("discovery: engine already ran")
)

// Transport is the message-level send/receive pair the engine drives.
// Receive blocks until one message is available.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
}

// Config tunes one engine. QueryRate is queries per second; zero disables
// pacing.
type Config struct {
	QueryRate  float64
	QueryBurst int
}

func DefaultConfig() Config {
	return Config{}
}

// Engine runs one breadth-first discovery. An Engine is single-use.
type Engine struct {
	transport Transport
	observer  Observer
	limiter   *rate.Limiter
	ledger    *QueryLedger
	now       func() time.Time

	mu      sync.RWMutex
	state   State
	started bool
}

func NewEngine(transport Transport, cfg Config, observer Observer) (*Engine, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if observer == nil {
		observer = NopObserver{}
	}
	e := &Engine{
		transport: transport,
		observer:  observer,
		ledger:    NewQueryLedger(),
		now:       time.Now,
		state:     StateIdle,
	}
	if cfg.QueryRate > 0 {
		burst := cfg.QueryBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), burst)
	}
	return e, nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Outstanding returns queries sent but not yet answered.
func (e *Engine) Outstanding() []PendingQuery {
	return e.ledger.List()
}

// Discover crawls the network reachable from initialID and returns its
// topology. Any transport failure aborts the run with no partial result.
func (e *Engine) Discover(ctx context.Context, initialID string) (protocol.Topology, error) {
	initialID = strings.TrimSpace(initialID)
	if initialID == "" {
		return nil, ErrInitialIDRequired
	}
	if !e.begin() {
		return nil, ErrEngineUsed
	}
	if !protocol.ValidNodeID(initialID) {
		log.Warn().Str("node", initialID).Msg("discovery: node id outside framing alphabet")
	}

	queue := []string{initialID}
	visited := map[string]struct{}{initialID: {}}
	topology := make(protocol.Topology)

	if err := e.query(ctx, initialID, initialID); err != nil {
		return nil, e.fail(err)
	}
	e.setState(StateBootstrapped)
	log.Debug().Str("local_id", initialID).Msg("discovery: bootstrap query sent")
	e.setState(StateQuerying)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue[0] = ""
		queue = queue[1:]

		resp, err := e.awaitNeighbors(ctx)
		if err != nil {
			return nil, e.fail(err)
		}
		if resp.SenderID != "" && resp.SenderID != nodeID {
			log.Debug().
				Str("node", nodeID).
				Str("sender_id", resp.SenderID).
				Msg("discovery: neighbors sender differs from queued node")
		}

		neighbors := make([]string, len(resp.Neighbors))
		copy(neighbors, resp.Neighbors)
		topology[nodeID] = neighbors
		rtt, _ := e.ledger.Complete(nodeID, e.now())
		e.observer.NodeDiscovered(NodeEvent{
			NodeID:    nodeID,
			Neighbors: neighbors,
			Count:     len(topology),
			RoundTrip: rtt,
		})

		for _, neighbor := range neighbors {
			if neighbor == "" {
				log.Warn().Str("node", nodeID).Msg("discovery: skipping empty neighbor id")
				continue
			}
			if _, seen := visited[neighbor]; seen {
				continue
			}
			if !protocol.ValidNodeID(neighbor) {
				log.Warn().Str("node", neighbor).Msg("discovery: node id outside framing alphabet")
			}
			visited[neighbor] = struct{}{}
			queue = append(queue, neighbor)
			if err := e.query(ctx, initialID, neighbor); err != nil {
				return nil, e.fail(err)
			}
		}
	}

	e.setState(StateComplete)
	log.Info().
		Int("nodes", len(topology)).
		Int("edges", topology.EdgeCount()).
		Msg("discovery: complete")
	return topology, nil
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return false
	}
	e.started = true
	return true
}

func (e *Engine) setState(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if from != to {
		e.observer.StateChanged(from, to)
	}
}

func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	log.Error().Err(err).Int("outstanding", e.ledger.Len()).Msg("discovery: run failed")
	return err
}

func (e *Engine) query(ctx context.Context, senderID, receiverID string) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				return fmt.Errorf("%w: query pacing: %v", protocol.ErrTimeout, err)
			}
			return classify(ctx.Err())
		}
	}
	msg := protocol.NewQuery(senderID, receiverID)
	if err := e.transport.Send(ctx, msg); err != nil {
		return classify(err)
	}
	e.ledger.Sent(PendingQuery{NodeID: receiverID, MsgID: msg.MsgID, SentAt: e.now()})
	e.observer.QuerySent(msg)
	return nil
}

// awaitNeighbors blocks until a neighbors message arrives. Other kinds are
// protocol violations and are skipped.
func (e *Engine) awaitNeighbors(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Message{}, classify(err)
		}
		msg, err := e.transport.Receive(ctx)
		if err != nil {
			return protocol.Message{}, classify(err)
		}
		e.observer.MessageReceived(msg)
		if msg.Kind == protocol.KindNeighbors {
			return msg, nil
		}
		log.Warn().
			Str("type", string(msg.Kind)).
			Str("sender_id", msg.SenderID).
			Str("msg_id", msg.MsgID).
			Err(protocol.ErrProtocolViolation).
			Msg("discovery: ignoring message while awaiting neighbors")
		e.observer.ProtocolViolation(msg)
	}
}

// classify maps a raw failure onto the fatal error kinds.
func classify(err error) error {
	if errors.Is(err, protocol.ErrTransport) || errors.Is(err, protocol.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
}
