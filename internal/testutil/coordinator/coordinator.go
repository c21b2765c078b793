// Package coordinator is a loopback stand-in for the remote coordinator used
// by session and client tests.
package coordinator

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/protocol/frame"
)

type Options struct {
	LocalID string
	Graph   protocol.Topology
	// Chunk splits every write into pieces of this many bytes; zero writes whole.
	Chunk int
	// Noise writes a malformed object and a stray init ahead of each answer.
	Noise bool
	// DropAfter closes the stream after answering this many queries; zero disables.
	DropAfter int
	// Silent never answers queries.
	Silent bool
	// Linger keeps the stream open after the topology arrives.
	Linger time.Duration
}

type Coordinator struct {
	opts     Options
	ln       net.Listener
	done     chan struct{}
	topology chan protocol.Message

	mu      sync.Mutex
	conn    net.Conn
	queries []protocol.Message
	err     error
}

func Start(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := &Coordinator{
		opts:     opts,
		ln:       ln,
		done:     make(chan struct{}),
		topology: make(chan protocol.Message, 1),
	}
	go c.serve()
	t.Cleanup(c.Close)
	return c
}

func (c *Coordinator) Addr() string {
	return c.ln.Addr().String()
}

func (c *Coordinator) Close() {
	_ = c.ln.Close()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

// Topology waits for the client's topology message.
func (c *Coordinator) Topology(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg := <-c.topology:
		return msg, true
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

// Queries returns every query received, in arrival order.
func (c *Coordinator) Queries() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.queries))
	copy(out, c.queries)
	return out
}

// Err returns the first serve failure other than a normal close.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) serve() {
	defer close(c.done)
	conn, err := c.ln.Accept()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			c.setErr(err)
		}
		return
	}
	defer conn.Close()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(conn, protocol.NewInit("coordinator", c.opts.LocalID)); err != nil {
		c.setErr(err)
		return
	}

	reader := frame.NewReader(conn, nil, frame.DefaultLimits())
	answered := 0
	for {
		msg, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.setErr(err)
			}
			return
		}
		switch msg.Kind {
		case protocol.KindQuery:
			c.mu.Lock()
			c.queries = append(c.queries, msg)
			c.mu.Unlock()
			if c.opts.Silent {
				continue
			}
			if c.opts.DropAfter > 0 && answered == c.opts.DropAfter {
				return
			}
			if c.opts.Noise {
				if err := c.writeRaw(conn, []byte(`{"sender_id":"x","type":}`)); err != nil {
					c.setErr(err)
					return
				}
				if err := c.write(conn, protocol.NewInit("coordinator", c.opts.LocalID)); err != nil {
					c.setErr(err)
					return
				}
			}
			resp := protocol.NewNeighbors(msg.ReceiverID, msg.SenderID, c.opts.Graph[msg.ReceiverID])
			if err := c.write(conn, resp); err != nil {
				c.setErr(err)
				return
			}
			answered++
		case protocol.KindTopology:
			c.topology <- msg
			if c.opts.Linger > 0 {
				time.Sleep(c.opts.Linger)
			}
			return
		}
	}
}

func (c *Coordinator) write(conn net.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(conn, data)
}

func (c *Coordinator) writeRaw(conn net.Conn, data []byte) error {
	if c.opts.Chunk <= 0 {
		_, err := conn.Write(data)
		return err
	}
	for len(data) > 0 {
		n := min(c.opts.Chunk, len(data))
		if _, err := conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
