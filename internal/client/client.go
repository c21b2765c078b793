// Package client runs one discovery against the coordinator: connect, learn
// the local id, crawl, hand back the topology, then the optional report and
// artifact steps.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/topoctl/internal/artifact"
	"github.com/danmuck/topoctl/internal/config"
	"github.com/danmuck/topoctl/internal/discovery"
	"github.com/danmuck/topoctl/internal/observability"
	"github.com/danmuck/topoctl/internal/progress"
	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/danmuck/topoctl/internal/protocol/session"
	"github.com/danmuck/topoctl/internal/report"
	"github.com/rs/zerolog/log"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Extractor pulls the coordinator's result file once the run is over.
type Extractor interface {
	Extract(ctx context.Context) (string, error)
}

type Deps struct {
	// Observers receive engine notifications alongside the metrics observer.
	Observers []discovery.Observer
	// Extractor overrides the docker-backed extractor built from config.
	Extractor Extractor
	// ProgressOut is where the spinner draws; nil uses stderr.
	ProgressOut io.Writer
	Now         func() time.Time
}

type Result struct {
	LocalID      string
	Coordinator  string
	Topology     protocol.Topology
	StartedAt    time.Time
	FinishedAt   time.Time
	ReportPath   string
	ArtifactPath string
}

// Run performs one discovery run. A discovery failure returns before any
// topology message is written.
func Run(ctx context.Context, cfg config.Config, deps Deps) (Result, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	res := Result{Coordinator: cfg.Addr, StartedAt: now()}

	err := discover(ctx, cfg, deps, &res)
	res.FinishedAt = now()
	observability.RecordRun(outcome(err), res.FinishedAt.Sub(res.StartedAt))
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("client: discovery run failed")
		return res, err
	}

	if cfg.ReportPath != "" {
		r := report.New(res.LocalID, res.Coordinator, res.Topology, res.StartedAt, res.FinishedAt)
		if err := report.Write(cfg.ReportPath, r); err != nil {
			return res, fmt.Errorf("client: write report: %w", err)
		}
		res.ReportPath = cfg.ReportPath
		log.Info().Str("path", cfg.ReportPath).Msg("client: report written")
	}

	if cfg.Artifact.Enabled {
		extractor := deps.Extractor
		if extractor == nil {
			extractor = artifact.NewExtractor(cfg.Artifact, nil)
		}
		path, err := extractor.Extract(ctx)
		if err != nil {
			return res, fmt.Errorf("client: extract artifact: %w", err)
		}
		res.ArtifactPath = path
	}
	return res, nil
}

func discover(ctx context.Context, cfg config.Config, deps Deps, res *Result) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	clientCfg := cfg.ClientConfig()
	clientCfg.Decoder = observability.FrameHooks()
	dialer, err := session.NewClient(clientCfg)
	if err != nil {
		return err
	}
	conn, err := dialer.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	initMsg, err := conn.AwaitInit(ctx)
	if err != nil {
		return err
	}
	res.LocalID = initMsg.ReceiverID

	observers := discovery.Observers{observability.NewMetricsObserver()}
	observers = append(observers, deps.Observers...)
	if cfg.Progress {
		spinner := progress.NewSpinner(deps.ProgressOut)
		spinner.Start()
		defer spinner.Finish()
		observers = append(observers, spinner)
	}

	engine, err := discovery.NewEngine(conn, cfg.Discovery, observers)
	if err != nil {
		return err
	}
	topology, err := engine.Discover(ctx, res.LocalID)
	if err != nil {
		return err
	}
	res.Topology = topology

	if err := conn.SendTopology(ctx, res.LocalID, topology); err != nil {
		return err
	}
	if err := conn.WaitClosed(ctx); err != nil {
		log.Warn().Err(err).Msg("client: coordinator did not close the connection")
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, protocol.ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailed
	}
}
