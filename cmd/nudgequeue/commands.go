package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"github.com/shohag/nudgequeue/internal/config"
	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/render"
	"github.com/shohag/nudgequeue/internal/retention"
)

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			e.log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func hubCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Manage hubs",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new hub and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			webhookURL, _ := cmd.Flags().GetString("webhook-url")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			now := time.Now().UTC()
			hub := &models.Hub{
				ID:         models.NewID("hub"),
				Name:       name,
				APIKey:     models.NewAPIKey(),
				WebhookURL: webhookURL,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if webhookURL != "" {
				hub.WebhookSecret = models.NewSecret()
			}

			if err := e.store.CreateHub(context.Background(), hub); err != nil {
				return fmt.Errorf("failed to create hub: %w", err)
			}

			printJSON(hub)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "hub name")
	createCmd.Flags().String("webhook-url", "", "webhook receiving this hub's nudges")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all hubs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			hubs, err := e.store.ListHubs(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list hubs: %w", err)
			}

			if len(hubs) == 0 {
				fmt.Println("No hubs found.")
				return nil
			}

			for _, hub := range hubs {
				fmt.Printf("  %s  %s  (created %s)\n", hub.ID, hub.Name, hub.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func enqueueCmd(configPath *string) *cobra.Command {
	var (
		req      queue.EnqueueRequest
		template string
		vars     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Admit a nudge through the same checks the API applies",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			qcfg, err := queueConfig(e.cfg.Queue)
			if err != nil {
				return err
			}
			svc := queue.NewService(e.store, qcfg, e.log)

			if len(vars) > 0 {
				req.Variables = make(map[string]any, len(vars))
				for k, v := range vars {
					req.Variables[k] = v
				}
			}
			if template != "" {
				req.Message = render.Render(template, req.Variables)
			}

			res, err := svc.Enqueue(context.Background(), req)
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.HubID, "hub", "", "hub id")
	cmd.Flags().StringVar(&req.MemberID, "member", "", "member id")
	cmd.Flags().StringVar(&req.RecipeName, "recipe", "", "recipe name")
	cmd.Flags().StringVar(&req.Message, "message", "", "rendered message")
	cmd.Flags().StringVar(&template, "template", "", "template rendered with --var")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable as key=value")
	cmd.Flags().StringVar(&req.Channel, "channel", "", "delivery channel")
	cmd.MarkFlagsMutuallyExclusive("message", "template")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [hub_id]",
		Short: "Show queue depth and delivery outcomes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			hubID := ""
			if len(args) == 1 {
				hubID = args[0]
			}
			stats, err := e.store.GetStats(context.Background(), hubID, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			printJSON(stats)
			return nil
		},
	}
}

func pruneCmd(configPath *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved log entries older than the retention TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()

			if ttl <= 0 {
				ttl = e.cfg.Retention.LogTTL
			}
			if floor := e.cfg.MinLogTTL(); ttl < floor {
				return fmt.Errorf("ttl %s is shorter than %s; cooldown and duplicate checks would lose history", ttl, floor)
			}
			n, err := retention.New(e.store, retention.Config{LogTTL: ttl}, e.log).RunOnce(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d log entries.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "override retention.log_ttl")
	return cmd
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			masked := *cfg
			masked.Auth.AdminToken = mask(masked.Auth.AdminToken)
			masked.Senders.Telegram.Token = mask(masked.Senders.Telegram.Token)
			masked.Senders.AMQP.URL = mask(masked.Senders.AMQP.URL)
			masked.Storage.Postgres.DSN = mask(masked.Storage.Postgres.DSN)

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	})
	return cmd
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("NudgeQueue v%s\n", version)
		},
	}
}
