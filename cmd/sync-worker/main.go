package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zotmirror/zotmirror/internal/config"
	"github.com/zotmirror/zotmirror/internal/db"
	"github.com/zotmirror/zotmirror/internal/queue"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/utils"
	"github.com/zotmirror/zotmirror/internal/version"
	"github.com/zotmirror/zotmirror/internal/worker"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

var (
	configPath  string
	pollSeconds int
	batchSize   int
	runOnce     bool
	showStats   bool
)

var rootCmd = &cobra.Command{
	Use:     "zotmirror-sync-worker",
	Short:   "Event-driven worker that pushes queued local changes to Zotero",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "configuration file")
	rootCmd.Flags().IntVar(&pollSeconds, "poll-interval", 0, "seconds between queue polls")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 0, "entries leased per library per poll (max 50)")
	rootCmd.Flags().BoolVar(&runOnce, "once", false, "drain the queue once and exit")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "print queue statistics and exit")
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.Worker.PollInterval = pollSeconds
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Worker.BatchSize = batchSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := utils.SetupLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	cmd.SilenceUsage = true
	ctx := cmd.Context()

	pool, err := db.NewPostgresDb(ctx, cfg.Database.DSN,
		db.WithSchema(cfg.Database.Schema),
		db.WithMaxOpenConns(cfg.Database.ConnMax))
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	client := zotero.New(&zotero.Config{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
	w := worker.New(client, st, queue.New(pool), worker.Config{
		PollInterval:  time.Duration(cfg.Worker.PollInterval) * time.Second,
		BatchSize:     cfg.Worker.BatchSize,
		RetentionDays: cfg.Worker.RetentionDays,
	})

	if showStats {
		stats, err := w.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Sync queue statistics:")
		fmt.Printf("  pending:   %d\n", stats.Pending)
		fmt.Printf("  processed: %d\n", stats.Processed)
		fmt.Printf("  failed:    %d\n", stats.Failed)
		return nil
	}

	showHeader()
	slog.Info("configuration loaded",
		"path", cfg.Path,
		"endpoint", cfg.Endpoint,
		"apikey", utils.MaskSecret(cfg.APIKey),
		"schema", cfg.Database.Schema)

	if runOnce {
		slog.Info("draining queue once")
		return w.RunOnce(ctx)
	}
	return w.Run(ctx)
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp())
}
