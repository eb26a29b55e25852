package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/repositories/sourcerecord"
	"github.com/Ramsey-B/fern/pkg/sweeper"
)

func sweepCmd(envFile *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return stale PROCESSING records to PENDING",
		Long: `Runs the stale record sweeper on its own, without workers or the HTTP API.
With --once a single cycle runs and the number of reclaimed records is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := a.openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var opts []sweeper.Option
			client, locker, err := a.openLocker()
			if err != nil {
				return err
			}
			if client != nil {
				defer client.Close()
				opts = append(opts, sweeper.WithLocker(locker))
			}

			records := sourcerecord.New(database.NewDatabaseInstance(db, a.logger), a.logger)
			s, err := sweeper.New(records, a.cfg.SweeperConfig(), a.logger, opts...)
			if err != nil {
				return err
			}

			if once {
				n, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale records\n", n)
				return nil
			}

			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return s.Stop(stopCtx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep cycle and exit")
	return cmd
}
