package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrAddressRequired = errors.New("session: coordinator address required")

type ClientConfig struct {
	Address            string
	Session            Config
	MaxConnectAttempts int
	// Decoder carries frame hooks; nil uses a hookless decoder.
	Decoder *frame.Decoder
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:            DefaultConfig(),
		MaxConnectAttempts: 5,
	}
}

type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the coordinator, retrying with backoff until
// MaxConnectAttempts is exhausted (zero retries forever).
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			log.Info().Str("addr", c.cfg.Address).Int("attempt", attempt).Msg("session: connected to coordinator")
			return NewConn(conn, c.cfg.Session, c.cfg.Decoder), nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Address).Msg("session: dial failed")
		if ctx.Err() != nil || !c.shouldRetry(attempt) {
			return nil, wrapErr(ctx, fmt.Errorf("dial %s: %w", c.cfg.Address, err))
		}
		if err := sleep(ctx, c.cfg.Session.Backoff.Delay(attempt, c.rng)); err != nil {
			return nil, wrapErr(ctx, err)
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", c.cfg.Address)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

// wrapErr maps a raw failure onto protocol.ErrTimeout or protocol.ErrTransport.
func wrapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrTransport) || errors.Is(err, protocol.ErrTimeout) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", protocol.ErrTimeout, ctxErr)
		}
		return fmt.Errorf("%w: %w", protocol.ErrTransport, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
}
