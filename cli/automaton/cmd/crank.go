package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alphabill-org/automaton/internal/crank"
	"github.com/alphabill-org/automaton/internal/crank/tracker"
	"github.com/alphabill-org/automaton/internal/metrics"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	maxConcurrentBuildsCmdName = "max-concurrent-builds"
	maxInstructionsCmdName     = "max-instructions"
	attemptTimeoutCmdName      = "attempt-timeout"
	pollIntervalCmdName        = "poll-interval"
	maxRetriesCmdName          = "max-retries"
	rotationIntervalCmdName    = "rotation-interval"
	graceCmdName               = "grace"
	metricsAddrCmdName         = "metrics-addr"
)

type crankConfiguration struct {
	clientConfig
	WorkerID            uint64
	PoolID              uint64
	MaxConcurrentBuilds int64
	MaxInstructions     int
	AttemptTimeout      uint64
	PollInterval        uint64
	MaxRetries          uint
	RotationInterval    uint64
	Grace               uint64
	MetricsAddr         string
}

func newCrankCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &crankConfiguration{clientConfig: clientConfig{Base: baseConfig}}
	cmd := &cobra.Command{
		Use:   "crank",
		Short: "runs the crank engine of the worker",
		Long: `Runs the crank engine: watches automations on the ledger, executes the ones
which became due and keeps the worker in the pool. The key file must hold the
worker's signatory key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrank(cmd, config)
		},
	}
	config.addFlags(cmd)
	cmd.Flags().Uint64Var(&config.WorkerID, workerIdCmdName, 0, "id of the worker the key is signatory of")
	cmd.Flags().Uint64Var(&config.PoolID, poolIdCmdName, 0, "id of the pool to rotate into")
	cmd.Flags().Int64Var(&config.MaxConcurrentBuilds, maxConcurrentBuildsCmdName, crank.DefaultMaxConcurrentBuilds, "max number of automations built in parallel")
	cmd.Flags().IntVar(&config.MaxInstructions, maxInstructionsCmdName, 0, "max number of automation instructions packed into one transaction (0 = limited by size only)")
	cmd.Flags().Uint64Var(&config.AttemptTimeout, attemptTimeoutCmdName, tracker.DefaultTimeout, "slots after which unconfirmed transaction is considered lost")
	cmd.Flags().Uint64Var(&config.PollInterval, pollIntervalCmdName, tracker.DefaultPollInterval, "slots between signature status checks")
	cmd.Flags().UintVar(&config.MaxRetries, maxRetriesCmdName, tracker.DefaultMaxRetries, "consecutive failed attempts after which automation is dropped until it changes")
	cmd.Flags().Uint64Var(&config.RotationInterval, rotationIntervalCmdName, crank.DefaultRotationInterval, "slots between pool rotation attempts")
	cmd.Flags().Uint64Var(&config.Grace, graceCmdName, crank.DefaultGrace, "slots the workers of the pool have exclusive right to crank")
	cmd.Flags().StringVar(&config.MetricsAddr, metricsAddrCmdName, "", "address to serve prometheus metrics on, ie localhost:9090 (disabled when empty)")
	return cmd
}

func runCrank(cmd *cobra.Command, config *crankConfiguration) error {
	signer, err := config.signer(cmd)
	if err != nil {
		return err
	}
	client, err := config.client()
	if err != nil {
		return err
	}

	var registry *metrics.Registry
	if config.MetricsAddr != "" {
		registry = metrics.NewRegistry()
	}
	node, err := crank.New(crank.Config{
		Worker:              pool.WorkerAddress(config.WorkerID),
		Pool:                pool.PoolAddress(config.PoolID),
		MaxConcurrentBuilds: config.MaxConcurrentBuilds,
		MaxInstructions:     config.MaxInstructions,
		AttemptTimeout:      config.AttemptTimeout,
		PollInterval:        config.PollInterval,
		MaxRetries:          config.MaxRetries,
		RotationInterval:    config.RotationInterval,
		Grace:               config.Grace,
		Metrics:             registry,
		OnError: func(address types.Address, err error) {
			consoleWriter.Println(fmt.Sprintf("Automation %s needs attention: %v", address, err))
		},
	}, signer, client)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return node.Run(ctx)
	})
	if registry != nil {
		g.Go(func() error {
			return serveMetrics(ctx, config.MetricsAddr, registry)
		})
	}
	consoleWriter.Println(fmt.Sprintf("Cranking as worker %d (%s), signatory %s", config.WorkerID, pool.WorkerAddress(config.WorkerID), signer.Address()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, registry *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	return httpsrv.Run(ctx, http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       3 * time.Second,
		ReadHeaderTimeout: time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}, httpsrv.ShutdownTimeout(5*time.Second))
}
