// Package artifact copies the coordinator's result file out of its container
// once a run has finished.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/topoctl/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoContainer   = errors.New("artifact: no container for image")
	ErrImageRequired = errors.New("artifact: image required")
)

type Config struct {
	Enabled    bool
	Image      string
	RemotePath string
	LocalPath  string
	// Settle is how long to wait before looking for the container, giving the
	// coordinator time to flush its result.
	Settle time.Duration
	Docker string
}

func DefaultConfig() Config {
	return Config{
		Image:      "ghcr.io/little-bear-labs/lbl-test-proxy:latest",
		RemotePath: "/artifact/test1.result.json",
		LocalPath:  "./test1.result.json",
		Settle:     2 * time.Second,
		Docker:     "docker",
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Image = strings.TrimSpace(c.Image)
	if c.Image == "" {
		c.Image = def.Image
	}
	if strings.TrimSpace(c.RemotePath) == "" {
		c.RemotePath = def.RemotePath
	}
	if strings.TrimSpace(c.LocalPath) == "" {
		c.LocalPath = def.LocalPath
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if strings.TrimSpace(c.Docker) == "" {
		c.Docker = def.Docker
	}
	return c
}

type Extractor struct {
	cfg    Config
	runner tools.CommandRunner
}

// NewExtractor builds an extractor; a nil runner executes on the host.
func NewExtractor(cfg Config, runner tools.CommandRunner) *Extractor {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Extractor{cfg: cfg.WithDefaults(), runner: runner}
}

// Extract copies RemotePath out of the newest container started from Image and
// returns the local path written.
func (e *Extractor) Extract(ctx context.Context) (string, error) {
	if e.cfg.Settle > 0 {
		timer := time.NewTimer(e.cfg.Settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	id, err := e.Container(ctx)
	if err != nil {
		return "", err
	}
	src := id + ":" + e.cfg.RemotePath
	dst := filepath.Clean(e.cfg.LocalPath)
	if _, err := e.runner.Run(ctx, e.cfg.Docker, "cp", src, dst); err != nil {
		return "", fmt.Errorf("artifact: copy %s: %w", src, err)
	}
	log.Info().Str("container", id).Str("src", e.cfg.RemotePath).Str("dst", dst).Msg("artifact: extracted")
	return dst, nil
}

// Container returns the id of the most recently created container for Image.
func (e *Extractor) Container(ctx context.Context) (string, error) {
	if e.cfg.Image == "" {
		return "", ErrImageRequired
	}
	res, err := e.runner.Run(ctx, e.cfg.Docker, "ps", "-aq", "--filter", "ancestor="+e.cfg.Image)
	if err != nil {
		return "", fmt.Errorf("artifact: list containers: %w", err)
	}
	ids := tools.Lines(res.Stdout)
	if len(ids) == 0 {
		log.Warn().Str("image", e.cfg.Image).Msg("artifact: no container found")
		return "", fmt.Errorf("%w: %s", ErrNoContainer, e.cfg.Image)
	}
	return ids[0], nil
}
