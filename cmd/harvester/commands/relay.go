package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/floorsheet-harvester/internal/database"
)

var relayOnce bool

func init() {
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "Deliver pending events once and exit.")
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay [--once]",
	Short: "Delivers outbox events to the redis stream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.PostgresEnabled() || !cfg.RedisEnabled() {
			return errors.New("relay requires a database and REDIS_ADDR")
		}

		ctx := cmd.Context()
		a := newApp(cfg, log)
		defer a.Close()

		db, err := a.database(ctx)
		if err != nil {
			return err
		}
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}

		relay := database.NewRelay(database.NewOutboxRepository(db), client, log, relayConfig(cfg))
		if relayOnce {
			n, err := relay.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("relay failed: %w", err)
			}
			log.Info("Relayed outbox events", "count", n)
			return nil
		}

		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay stopped: %w", err)
		}
		return nil
	},
}
