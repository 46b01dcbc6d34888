// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// pagw runs the prior authorization gateway: the submission API, the stage
// workers and the outbox publisher, together or as separate processes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clearpath.io/pagw/gateway"
	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/gatewaydb"
)

var (
	cfgFile      string
	devMode      bool
	workerStages []string

	rootCmd = &cobra.Command{
		Use:   "pagw",
		Short: "Prior authorization gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the api, the stage workers and the outbox publisher",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmdRun(cmd, gateway.All()) },
	}
	runAPICmd = &cobra.Command{
		Use:   "api",
		Short: "Run only the submission api",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmdRun(cmd, gateway.Options{API: true}) },
	}
	runWorkerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run only the stage workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRun(cmd, gateway.Options{Workers: true, WorkerStages: workerStages})
		},
	}
	runPublisherCmd = &cobra.Command{
		Use:   "publisher",
		Short: "Run only the outbox publisher",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmdRun(cmd, gateway.Options{Publisher: true}) },
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write a config file populated with the defaults",
		RunE:  cmdSetup,
	}
	migrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Database schema migration related commands",
	}
	migrationRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Bring the database schema to the newest version",
		RunE:  cmdMigrationRun,
	}
	outboxCmd = &cobra.Command{
		Use:   "outbox",
		Short: "Outbox diagnostics",
	}
	outboxStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show outbox row counts and dead rows",
		RunE:  cmdOutboxStats,
	}
	outboxRequeueCmd = &cobra.Command{
		Use:   "requeue <row-id>",
		Short: "Reset a dead outbox row for a fresh publish attempt",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdOutboxRequeue,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use development logging")
	runWorkerCmd.Flags().StringSliceVar(&workerStages, "stage", nil, "stage workers to run; empty runs all")

	runCmd.AddCommand(runAPICmd, runWorkerCmd, runPublisherCmd)
	migrationCmd.AddCommand(migrationRunCmd)
	outboxCmd.AddCommand(outboxStatsCmd, outboxRequeueCmd)
	rootCmd.AddCommand(runCmd, setupCmd, migrationCmd, outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openLog() (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setDefaults() {
	viper.SetDefault("database.url", "postgres://localhost/pagw?sslmode=disable")
	viper.SetDefault("database.maxconns", 10)
	viper.SetDefault("database.applicationname", "pagw")

	viper.SetDefault("objects.endpoint", "")
	viper.SetDefault("objects.accesskey", "")
	viper.SetDefault("objects.secretkey", "")
	viper.SetDefault("objects.usessl", true)
	viper.SetDefault("objects.bucket", "pagw-artifacts")
	viper.SetDefault("objects.parsedbucket", "pagw-artifacts")

	viper.SetDefault("kms.enabled", false)
	viper.SetDefault("kms.masterkeyhex", "")

	viper.SetDefault("idempotency.url", "redis://localhost:6379?db=0")
	viper.SetDefault("idempotency.ttl", "24h")

	viper.SetDefault("bus.visibilitytimeout", "5m")
	viper.SetDefault("bus.maxreceivecount", 3)
	viper.SetDefault("bus.deadletterqueue", "dlq")
	viper.SetDefault("bus.retrybase", "1s")
	viper.SetDefault("bus.retrycap", "1m")

	viper.SetDefault("frontdoor.address", ":8080")
	viper.SetDefault("frontdoor.syncenabled", true)
	viper.SetDefault("frontdoor.syncdeadline", "13s")
	viper.SetDefault("frontdoor.synchold", "30s")
	viper.SetDefault("frontdoor.defaulttenant", "default")
	viper.SetDefault("frontdoor.outboxmaxretries", 10)

	viper.SetDefault("stage.deadline", "5m")
	viper.SetDefault("stage.payerdeadline", "10m")
	viper.SetDefault("stage.outboxmaxretries", 10)

	viper.SetDefault("worker.interval", "500ms")
	viper.SetDefault("worker.concurrency", 4)

	viper.SetDefault("publisher.interval", "1s")
	viper.SetDefault("publisher.batchsize", 100)
	viper.SetDefault("publisher.maxretries", 10)
	viper.SetDefault("publisher.retrybase", "1s")
	viper.SetDefault("publisher.retrycap", "5m")

	viper.SetDefault("notify.webhookurl", "")
	viper.SetDefault("notify.signingsecret", "")
	viper.SetDefault("notify.timeout", "10s")
}

func loadConfig() (gateway.Config, error) {
	setDefaults()

	viper.SetEnvPrefix("PAGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return gateway.Config{}, errs.New("reading config %s: %w", cfgFile, err)
		}
	}

	var config gateway.Config
	if err := viper.Unmarshal(&config); err != nil {
		return gateway.Config{}, errs.Wrap(err)
	}
	return config, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDB(ctx context.Context, log *zap.Logger, config gateway.Config) (*gatewaydb.DB, error) {
	return gatewaydb.Open(ctx, log.Named("db"), config.Database)
}

func cmdRun(cmd *cobra.Command, options gateway.Options) (err error) {
	ctx, cancel := runContext()
	defer cancel()

	log, err := openLog()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, log, config)
	if err != nil {
		return errs.New("opening master database: %w", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := gateway.New(ctx, log, db, config, options)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	if peer.Addr() != "" {
		log.Info("submission api listening", zap.String("address", peer.Addr()))
	}
	return peer.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	setDefaults()

	path := cfgFile
	if path == "" {
		path = "pagw.yaml"
	}
	if err := viper.SafeWriteConfigAs(path); err != nil {
		return errs.Wrap(err)
	}
	fmt.Println("wrote", path)
	return nil
}

func cmdMigrationRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := runContext()
	defer cancel()

	log, err := openLog()
	if err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, log, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func cmdOutboxStats(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := runContext()
	defer cancel()

	log, err := openLog()
	if err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, log, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	outboxDB := db.Stores().Outbox
	stats, err := outboxDB.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("new: %d\nsent: %d\nfailed: %d\ndead: %d\n",
		stats.New, stats.Sent, stats.Failed, stats.Dead)

	dead, err := outboxDB.DeadRows(ctx, 50)
	if err != nil {
		return err
	}
	for _, row := range dead {
		fmt.Printf("dead row %d: submission=%s stage=%s retries=%d error=%s\n",
			row.ID, row.AggregateID, row.EventType, row.RetryCount, row.LastError)
	}
	return nil
}

func cmdOutboxRequeue(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := runContext()
	defer cancel()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errs.New("invalid row id %q", args[0])
	}

	log, err := openLog()
	if err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDB(ctx, log, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	stores := db.Stores()
	dead, err := stores.Outbox.DeadRows(ctx, 1000)
	if err != nil {
		return err
	}
	var submissionID string
	for _, row := range dead {
		if row.ID == id {
			submissionID = row.AggregateID
		}
	}

	if err := stores.Outbox.Requeue(ctx, id); err != nil {
		return err
	}
	if submissionID != "" {
		detail, _ := json.Marshal(map[string]interface{}{"rowId": id})
		if err := stores.Audit.Append(ctx, &auditlog.Entry{
			SubmissionID: submissionID,
			Actor:        "operator",
			Action:       auditlog.ActionOutboxRequeued,
			Detail:       detail,
		}); err != nil {
			log.Warn("audit append failed", zap.Error(err))
		}
	}
	fmt.Println("requeued row", id)
	return nil
}
