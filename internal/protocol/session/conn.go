package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("session: connection closed")

// Conn is one coordinator stream. It implements discovery.Transport.
type Conn struct {
	conn   net.Conn
	reader *frame.Reader
	cfg    Config

	wmu    sync.Mutex
	closed bool
}

func NewConn(conn net.Conn, cfg Config, dec *frame.Decoder) *Conn {
	cfg = cfg.WithDefaults()
	return &Conn{
		conn:   conn,
		reader: frame.NewReader(conn, dec, cfg.Limits),
		cfg:    cfg,
	}
}

func (c *Conn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil || c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Send writes one message as an undelimited JSON object.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil || c.closed {
		return wrapErr(ctx, ErrConnClosed)
	}
	if err := c.conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return wrapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	if err := frame.WriteMessage(c.conn, msg); err != nil {
		return wrapErr(ctx, err)
	}
	log.Trace().
		Str("type", string(msg.Kind)).
		Str("receiver_id", msg.ReceiverID).
		Str("msg_id", msg.MsgID).
		Msg("session: sent")
	return nil
}

// Receive blocks until one complete message has been decoded.
func (c *Conn) Receive(ctx context.Context) (protocol.Message, error) {
	if c.conn == nil {
		return protocol.Message{}, wrapErr(ctx, ErrConnClosed)
	}
	if c.reader.Pending() > 0 {
		return c.reader.Next()
	}
	if err := c.conn.SetReadDeadline(deadline(ctx, c.cfg.ReadTimeout)); err != nil {
		return protocol.Message{}, wrapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	msg, err := c.reader.Next()
	if err != nil {
		return protocol.Message{}, wrapErr(ctx, err)
	}
	log.Trace().
		Str("type", string(msg.Kind)).
		Str("sender_id", msg.SenderID).
		Int("buffered", c.reader.Buffered()).
		Msg("session: received")
	return msg, nil
}

// AwaitInit reads until the coordinator's init message arrives. The client's
// own node id is the init message's receiver_id.
func (c *Conn) AwaitInit(ctx context.Context) (protocol.Message, error) {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Kind == protocol.KindInit && msg.ReceiverID != "" {
			log.Info().Str("local_id", msg.ReceiverID).Str("coordinator", msg.SenderID).Msg("session: init received")
			return msg, nil
		}
		log.Warn().
			Err(protocol.ErrProtocolViolation).
			Str("type", string(msg.Kind)).
			Str("receiver_id", msg.ReceiverID).
			Msg("session: ignoring message before init")
	}
}

// SendTopology hands the finished topology to the coordinator.
func (c *Conn) SendTopology(ctx context.Context, localID string, topology protocol.Topology) error {
	msg := protocol.NewTopology(localID, topology)
	if err := c.Send(ctx, msg); err != nil {
		return err
	}
	log.Info().
		Int("nodes", len(topology)).
		Str("msg_id", msg.MsgID).
		Msg("session: topology sent")
	return nil
}

// WaitClosed waits up to CloseWaitTimeout for the coordinator to close the
// stream. Messages arriving meanwhile are logged and discarded.
func (c *Conn) WaitClosed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CloseWaitTimeout)
	defer cancel()
	for {
		msg, err := c.Receive(ctx)
		if err == nil {
			log.Warn().Str("type", string(msg.Kind)).Msg("session: unexpected message after topology")
			continue
		}
		if errors.Is(err, io.EOF) {
			log.Info().Msg("session: coordinator closed the connection")
			return nil
		}
		return err
	}
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
