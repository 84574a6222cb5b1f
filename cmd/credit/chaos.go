package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"creditcore/internal/apperr"
	"creditcore/internal/chaos"
	"creditcore/internal/clients"
	"creditcore/internal/ledger"
	"creditcore/internal/membership"
)

type chaosOptions struct {
	target   string
	member   string
	limit    int64
	workers  int
	amount   int64
	attempts int
	latency  time.Duration
}

func chaosCmd() *cobra.Command {
	var opts chaosOptions
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run fault-injection experiments against the credit engine",
		Long: `Run fault-injection experiments and check the balance invariant.

Without --target the experiments run against an in-process engine built from
the usual configuration, with faults injected below the resilience layer.
With --target only the concurrency experiment runs, against a live service.

Examples:
  credit chaos
  credit chaos --workers 200 --amount 3000
  credit chaos --target http://localhost:8080 --member M123456789`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChaos(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.target, "target", "", "base URL of a running service (empty runs in-process)")
	cmd.Flags().StringVar(&opts.member, "member", "M900000001", "member number to exercise")
	cmd.Flags().Int64Var(&opts.limit, "limit", 100000, "credit limit of the seeded in-process member")
	cmd.Flags().IntVar(&opts.workers, "workers", 50, "simultaneous authorizations")
	cmd.Flags().Int64Var(&opts.amount, "amount", 7000, "amount of each authorization")
	cmd.Flags().IntVar(&opts.attempts, "attempts", 10, "authorizations sent while a store fault is active")
	cmd.Flags().DurationVar(&opts.latency, "latency", 5*time.Second, "store latency injected by the latency experiment")
	return cmd
}

func runChaos(ctx context.Context, opts chaosOptions) error {
	cfg, logger, err := setup("credit-chaos")
	if err != nil {
		return err
	}
	defer logger.Sync()

	var experiments []chaos.Experiment
	if opts.target != "" {
		target := chaos.RemoteTarget{Client: clients.NewCreditClient(opts.target, nil)}
		experiments = append(experiments, chaos.ConcurrentAuthorizations(target, opts.member, opts.workers, opts.amount))
	} else {
		var faulty *chaos.FaultyStore
		a, err := buildApp(ctx, cfg, logger, func(s ledger.Store) ledger.Store {
			faulty = chaos.NewFaultyStore(s)
			return faulty
		})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := seedMember(ctx, a.members, opts.member, opts.limit); err != nil {
			return err
		}

		target := chaos.LocalTarget{Service: a.credit, Store: a.base}
		// The fault experiments leave the breaker open, so they run last.
		experiments = append(experiments,
			chaos.ConcurrentAuthorizations(target, opts.member, opts.workers, opts.amount),
			chaos.PersistFailure(faulty, target, opts.member, opts.attempts, opts.amount),
			chaos.StoreLatency(faulty, opts.latency, target, opts.member, opts.attempts, opts.amount),
		)
	}

	engine := chaos.NewEngine(logger.Named("chaos"))
	results, runErr := engine.RunAll(ctx, experiments)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("chaos run failed: %w", runErr)
	}
	return nil
}

// seedMember enrolls and activates the experiment member unless it exists.
func seedMember(ctx context.Context, members membership.Service, number string, limit int64) error {
	_, err := members.Enroll(ctx, membership.EnrollInput{MemberNumber: number, Name: "chaos", CreditLimit: limit})
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return nil
	case err != nil:
		return err
	}
	_, err = members.UpdateStatus(ctx, number, ledger.MemberActive)
	return err
}
