package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/topoctl/internal/artifact"
	"github.com/danmuck/topoctl/internal/client"
	"github.com/danmuck/topoctl/internal/config"
	"github.com/danmuck/topoctl/internal/logging"
	"github.com/danmuck/topoctl/internal/observability"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=x.y.z".
var version = "0.1.0-dev"

type discoverOptions struct {
	configPath  string
	addr        string
	reportPath  string
	metricsAddr string
	extract     bool
	noProgress  bool
}

type extractOptions struct {
	configPath string
	out        string
	image      string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "topoctl",
		Short:         "Discover a network topology through its coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDiscoverCmd(), newExtractCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func newDiscoverCmd() *cobra.Command {
	var opts discoverOptions
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Crawl the network from the local node and report its topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = strings.TrimSpace(opts.addr)
			}
			if flags.Changed("report") {
				cfg.ReportPath = strings.TrimSpace(opts.reportPath)
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = strings.TrimSpace(opts.metricsAddr)
			}
			if flags.Changed("extract") {
				cfg.Artifact.Enabled = opts.extract
			}
			if opts.noProgress {
				cfg.Progress = false
			}
			logging.ConfigureRuntime(cfg.LogFile)

			ctx := cmd.Context()
			if cfg.MetricsAddr != "" {
				if _, _, err := observability.Serve(ctx, cfg.MetricsAddr); err != nil {
					return err
				}
			}

			res, err := client.Run(ctx, cfg, client.Deps{ProgressOut: cmd.ErrOrStderr()})
			if res.Topology != nil {
				printTopology(cmd, res)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "TOML config file")
	flags.StringVar(&opts.addr, "addr", "", "coordinator address (host:port)")
	flags.StringVar(&opts.reportPath, "report", "", "write the topology to this .json, .yaml or .toml file")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&opts.extract, "extract", false, "copy the coordinator's result artifact after the run")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress line")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var opts extractOptions
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Copy the coordinator's result artifact out of its container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime(cfg.LogFile)
			acfg := cfg.Artifact
			if cmd.Flags().Changed("out") {
				acfg.LocalPath = opts.out
			}
			if cmd.Flags().Changed("image") {
				acfg.Image = opts.image
			}
			acfg.Settle = 0
			path, err := artifact.NewExtractor(acfg, nil).Extract(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "TOML config file")
	cmd.Flags().StringVar(&opts.out, "out", "", "local destination path")
	cmd.Flags().StringVar(&opts.image, "image", "", "coordinator container image")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate a topoctl config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config template with every key at its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a config file and report the first problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s is valid\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the topoctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "topoctl %s\n", version)
		},
	}
}

func printTopology(cmd *cobra.Command, res client.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "local node %s: %d nodes, %d edges\n", res.LocalID, len(res.Topology), res.Topology.EdgeCount())
	for _, node := range res.Topology.Nodes() {
		fmt.Fprintf(out, "  %s -> %s\n", node, strings.Join(res.Topology[node], " "))
	}
}
