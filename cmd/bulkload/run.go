package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/syndrdb-bulkload/bulk"
	"github.com/dan-strohschein/syndrdb-bulkload/food"
	"github.com/dan-strohschein/syndrdb-bulkload/logging"
	"github.com/dan-strohschein/syndrdb-bulkload/seed"
)

// runFlags are shared by run, seed and purge.
type runFlags struct {
	emulator     bool
	partitionKey string
	items        int
	seed         uint64
	maxRounds    int
}

func (f *runFlags) register(cmd *cobra.Command, withItems bool) {
	cmd.Flags().BoolVar(&f.emulator, "emulator", false, "start an in-process emulator and run against it")
	cmd.Flags().StringVar(&f.partitionKey, "partition-key", "", "partition key and food group (default from config)")
	cmd.Flags().IntVar(&f.maxRounds, "max-rounds", 0, "stop a loop after this many rounds (0 = unbounded)")
	if withItems {
		cmd.Flags().IntVarP(&f.items, "items", "n", 0, "number of foods to generate (default from config)")
		cmd.Flags().Uint64Var(&f.seed, "seed", 0, "generator seed, 0 for random")
	}
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload generated foods, then delete them again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyRunFlags(cmd, &f)
			return a.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if err := a.upload(ctx, s); err != nil {
					return err
				}
				return a.purge(ctx, s)
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upload generated foods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyRunFlags(cmd, &f)
			return a.withSession(cmd.Context(), a.upload)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every food of the partition's group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyRunFlags(cmd, &f)
			return a.withSession(cmd.Context(), a.purge)
		},
	}
	f.register(cmd, false)
	return cmd
}

func (a *app) upload(ctx context.Context, s *session) error {
	cfg := a.cfg
	items := seed.New(cfg.Seed, cfg.PartitionKey).Batch(cfg.Items)

	start := time.Now()
	result, err := bulk.NewUploader(s.container, bulk.UploadOptions{
		Procedure:      cfg.Procedures.Upload,
		PartitionKey:   cfg.PartitionKey,
		StallThreshold: cfg.Loop.StallThreshold,
		Loop:           a.loopSettings(),
		Logger:         logging.Component(a.logger, "upload"),
	}).Upload(ctx, items)
	if err != nil {
		a.out.failure("upload stopped at %d of %d items after %d rounds", result.Cursor, len(items), result.Rounds)
		return err
	}

	a.out.success("uploaded %d items to %s/%s in %d rounds (last status %d, %s)",
		result.Cursor, cfg.Database, cfg.Container, result.Rounds, result.LastStatus, time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *app) purge(ctx context.Context, s *session) error {
	cfg := a.cfg
	query := food.GroupQuery(cfg.PartitionKey)

	start := time.Now()
	result, err := bulk.NewDeleter(s.container, bulk.DeleteOptions{
		Procedure:    cfg.Procedures.Delete,
		PartitionKey: cfg.PartitionKey,
		Loop:         a.loopSettings(),
		Logger:       logging.Component(a.logger, "delete"),
	}).Delete(ctx, query)
	if err != nil {
		a.out.failure("delete stopped after %d rounds, %d items deleted", result.Rounds, result.TotalDeleted)
		return err
	}

	a.out.success("deleted %d items in %d rounds (%s)", result.TotalDeleted, result.Rounds, time.Since(start).Round(time.Millisecond))
	return nil
}
