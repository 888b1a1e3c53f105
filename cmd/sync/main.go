package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zotmirror/zotmirror/internal/blob"
	"github.com/zotmirror/zotmirror/internal/config"
	"github.com/zotmirror/zotmirror/internal/db"
	"github.com/zotmirror/zotmirror/internal/registry"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/syncer"
	"github.com/zotmirror/zotmirror/internal/utils"
	"github.com/zotmirror/zotmirror/internal/version"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

var (
	configPath string
	groupID    int64
	clearFirst bool
)

var rootCmd = &cobra.Command{
	Use:     "zotmirror-sync",
	Short:   "Mirror Zotero libraries into Postgres and object storage",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "configuration file")
	rootCmd.Flags().Int64Var(&groupID, "group", 0, "sync only this group library")
	rootCmd.Flags().BoolVar(&clearFirst, "clear", false, "clear local data of --group before syncing")
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if clearFirst && !cmd.Flags().Changed("group") {
		return fmt.Errorf("--clear requires --group")
	}
	if cmd.Flags().Changed("group") {
		cfg.SyncOnly = []int64{groupID}
		cfg.ClearBeforeSync = nil
		if clearFirst {
			cfg.ClearBeforeSync = []int64{groupID}
		}
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
	showHeader()
	slog.Info("configuration loaded",
		"path", cfg.Path,
		"endpoint", cfg.Endpoint,
		"apikey", utils.MaskSecret(cfg.APIKey),
		"schema", cfg.Database.Schema)

	// One sync per config at a time. Overlapping cron runs would interleave
	// watermark commits.
	lock := flock.New(cfg.Path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another sync is already running (lock held on %s)", lock.Path())
	}
	defer lock.Unlock()

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

	blobs, err := blob.NewWithConfig(ctx, &blob.Config{
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UseSSL:          cfg.S3.UseSSL,
		Bucket:          cfg.S3.Bucket,
	})
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	client := zotero.New(&zotero.Config{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
	engine := syncer.New(client, st, blobs)
	reg := registry.New(client, st, engine)

	return reg.Run(ctx, registry.Options{
		SyncOnly:        cfg.SyncOnly,
		ClearBeforeSync: cfg.ClearBeforeSync,
		NewGroupActive:  cfg.NewGroupActive,
		MaxConcurrent:   cfg.MaxConcurrentLibraries,
	})
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp())
}
