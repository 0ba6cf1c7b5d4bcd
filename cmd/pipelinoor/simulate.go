package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/client"
	"github.com/ethpandaops/pipelinoor/pkg/ingest"
	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	simURL         string
	simCount       int
	simFailRate    float64
	simPipelines   []string
	simConcurrency int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Post synthetic run events to a running server",
	Long: `Generate random finished runs and post them to the API server. Runs
start within the last hour, last between 30 and 900 seconds and fail with
the given probability.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simURL, "url", "http://localhost:8000", "API server base URL")
	simulateCmd.Flags().IntVar(&simCount, "count", 20, "number of runs to post")
	simulateCmd.Flags().Float64Var(&simFailRate, "fail-rate", ingest.DefaultSimulateFailRate,
		"probability that a run fails (0-1)")
	simulateCmd.Flags().StringSliceVar(&simPipelines, "pipelines", ingest.DefaultSimulatePipelines,
		"pipeline names to pick from")
	simulateCmd.Flags().IntVar(&simConcurrency, "concurrency", 4, "maximum requests in flight")

	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	params := ingest.SimulateParams{
		Count:     simCount,
		FailRate:  simFailRate,
		Pipelines: simPipelines,
	}

	if err := params.Validate(); err != nil {
		return err
	}

	if simConcurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", simConcurrency)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(log, simURL)

	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("api server not reachable at %s: %w", simURL, err)
	}

	now := time.Now().UTC()
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(os.Getpid())))

	// Events are generated up front since rand.Rand is not goroutine safe.
	events := make([]telemetry.RunEvent, 0, params.Count)
	for i := 0; i < params.Count; i++ {
		events = append(events, ingest.SyntheticEvent(rng, now, params.Pipelines,
			params.FailRate, 60*time.Minute, 30, 900, "sim-script"))
	}

	var (
		posted   atomic.Int64
		failures atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(simConcurrency)

	for i := range events {
		ev := events[i]

		g.Go(func() error {
			run, err := c.PostRun(gctx, ev)
			if err != nil {
				return fmt.Errorf("posting run %d: %w", i+1, err)
			}

			posted.Add(1)

			if run.Status == telemetry.StatusFailure {
				failures.Add(1)
			}

			log.WithFields(logrus.Fields{
				"id":       run.ID,
				"pipeline": run.Pipeline,
				"status":   run.Status,
			}).Info("Posted run")

			return nil
		})
	}

	err := g.Wait()

	log.WithFields(logrus.Fields{
		"posted":   posted.Load(),
		"failures": failures.Load(),
	}).Info("Simulation finished")

	return err
}
