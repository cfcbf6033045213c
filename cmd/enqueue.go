package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/config"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
)

func enqueueCmd() *cobra.Command {
	var priority int

	c := &cobra.Command{
		Use:   "enqueue <kind> <payload-json>",
		Short: "Enqueue a job directly into the queue store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(false)

			kind := job.Kind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown job kind %q, valid kinds: %v", args[0], job.AllKinds())
			}

			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			env, err := job.New(kind, payload, priority)
			if err != nil {
				return err
			}

			cfg := config.FromEnv()
			ctx := context.Background()
			store, err := queue.NewRedisStore(ctx, queue.RedisConfig{
				Addr:        cfg.RedisAddr,
				DB:          cfg.RedisDB,
				Password:    cfg.RedisPassword,
				Username:    cfg.RedisUsername,
				PoolSize:    cfg.RedisPoolSize,
				PingTimeout: cfg.RedisPingTimeout,
			}, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Enqueue(ctx, env); err != nil {
				return err
			}
			fmt.Printf("enqueued %s job %s at priority %d\n", kind, env.ID, priority)
			return nil
		},
	}

	c.Flags().IntVar(&priority, "priority", 0, "job priority, higher is served first")
	return c
}
