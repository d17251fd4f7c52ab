// Package main implements the crmsync binary for bidirectional synchronization
// between an Airtable base and PostgreSQL.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/airtable"
	"github.com/dedet2/crmsync/internal/db"
	"github.com/dedet2/crmsync/internal/events"
	"github.com/dedet2/crmsync/internal/log"
	"github.com/dedet2/crmsync/internal/scheduler"
	"github.com/dedet2/crmsync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN    string `short:"p" env:"CRMSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	AirtableAPIKey string `short:"k" env:"CRMSYNC_AIRTABLE_API_KEY" long:"airtable-api-key" description:"Airtable API key"`
	AirtableBaseID string `short:"b" env:"CRMSYNC_AIRTABLE_BASE_ID" long:"airtable-base-id" description:"Airtable base ID"`
	Direction      string `long:"direction" description:"Sync direction" choice:"push_only" choice:"pull_only" choice:"bidirectional" default:"bidirectional"`
	Strategy       string `long:"strategy" description:"Conflict resolution strategy" choice:"local_wins" choice:"remote_wins" choice:"timestamp_based" choice:"smart_merge" choice:"manual_review" default:"smart_merge"`
	ListenAddr     string `long:"listen-addr" env:"CRMSYNC_LISTEN_ADDR" description:"HTTP listen address for webhooks and status" default:":8080"`
	WebhookSecret  string `env:"CRMSYNC_WEBHOOK_SECRET" long:"webhook-secret" description:"HMAC secret for incoming webhook signatures"`
	NotifyWebhook  string `env:"CRMSYNC_NOTIFY_WEBHOOK" long:"notify-webhook" description:"URL receiving job run summaries"`
	SMTPHost       string `env:"CRMSYNC_SMTP_HOST" long:"smtp-host" description:"SMTP host for email notifications"`
	SMTPPort       int    `env:"CRMSYNC_SMTP_PORT" long:"smtp-port" description:"SMTP port" default:"587"`
	SMTPUsername   string `env:"CRMSYNC_SMTP_USERNAME" long:"smtp-username" description:"SMTP username"`
	SMTPPassword   string `env:"CRMSYNC_SMTP_PASSWORD" long:"smtp-password" description:"SMTP password"`
	SMTPFrom       string `env:"CRMSYNC_SMTP_FROM" long:"smtp-from" description:"Email sender address"`
	SMTPTo         string `env:"CRMSYNC_SMTP_TO" long:"smtp-to" description:"Comma-separated notification recipients"`
	LogLevel       string `short:"l" env:"CRMSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	Version        bool   `short:"v" long:"version" description:"Show version information"`
	Help           bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("crmsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("crmsync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// smtpConfig builds the email channel config, nil when unconfigured.
func smtpConfig(config *Config) *scheduler.SMTPConfig {
	if config.SMTPHost == "" || config.SMTPFrom == "" || config.SMTPTo == "" {
		return nil
	}
	return &scheduler.SMTPConfig{
		Host:     config.SMTPHost,
		Port:     config.SMTPPort,
		Username: config.SMTPUsername,
		Password: config.SMTPPassword,
		From:     config.SMTPFrom,
		To:       splitRecipients(config.SMTPTo),
	}
}

func splitRecipients(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// jobRunner adapts the sync engine to the scheduler's run contract: each
// firing syncs the job's entity types with the job's own sync configuration
// and folds the results into one summary. Engines are cached per job so the
// conflict log survives across runs. Every run ends with a sync_completed or
// sync_failed event through emit.
func jobRunner(store sync.LocalStore, remote sync.RemoteStore, emit func(events.Event)) scheduler.RunFunc {
	var mu stdsync.Mutex
	engines := make(map[string]*sync.Engine)

	return func(ctx context.Context, job *scheduler.Job) (sync.RunSummary, error) {
		mu.Lock()
		engine, ok := engines[job.ID]
		if !ok {
			engine = sync.NewEngine(store, remote, job.SyncConfig)
			if emit != nil {
				engine.SetConflictObserver(conflictObserver(emit))
			}
			engines[job.ID] = engine
		}
		mu.Unlock()

		summary := sync.RunSummary{StartedAt: time.Now()}
		var firstErr error
		for _, name := range job.EntityTypes {
			results, err := engine.SyncEntityType(ctx, name)
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			for _, res := range results {
				summary.Results = append(summary.Results, res)
				summary.TotalSucceeded += res.Created + res.Updated
				summary.TotalFailed += res.Failed
				summary.TotalConflicts += res.Conflicts
			}
		}
		summary.Duration = time.Since(summary.StartedAt)

		if emit != nil {
			event := events.NewEvent(events.EventSyncCompleted, events.SourceScheduler, strings.Join(job.EntityTypes, ","))
			event.Payload = map[string]any{
				"job_id":    job.ID,
				"succeeded": summary.TotalSucceeded,
				"failed":    summary.TotalFailed,
				"conflicts": summary.TotalConflicts,
			}
			if firstErr != nil {
				event.Type = events.EventSyncFailed
				event.Payload["error"] = firstErr.Error()
			}
			emit(event)
		}
		return summary, firstErr
	}
}

// conflictObserver turns detected conflicts into bridge events.
func conflictObserver(emit func(events.Event)) sync.ConflictObserver {
	return func(entityType, remoteID string, res sync.Resolution) {
		event := events.NewEvent(events.EventConflictDetected, events.SourceLocal, entityType)
		event.RecordID = remoteID
		event.Payload = map[string]any{
			"conflict_id": res.ConflictID,
			"fields":      res.Conflicts,
			"pending":     res.Pending,
		}
		emit(event)
	}
}

// localChangeEvents turns database change notifications into bridge events,
// so local edits reach the same debounced trigger path as webhook deliveries.
func localChangeEvents(bridge *events.Bridge) func(db.ChangeNotification) {
	return func(change db.ChangeNotification) {
		eventType := events.EventRecordUpdated
		switch change.Op {
		case "insert":
			eventType = events.EventRecordCreated
		case "delete":
			eventType = events.EventRecordDeleted
		}
		event := events.NewEvent(eventType, events.SourceLocal, change.EntityType)
		event.RecordID = strconv.FormatInt(change.RecordID, 10)
		bridge.Emit(event)
	}
}

// entityResolver maps remote table names from webhook payloads onto the
// configured local entity type names.
func entityResolver(cfg sync.Config) func(string) string {
	byTable := make(map[string]string, len(cfg.EntityTypes))
	for _, et := range cfg.EntityTypes {
		byTable[et.RemoteTable] = et.Name
	}
	return func(remoteTable string) string {
		if name, ok := byTable[remoteTable]; ok {
			return name
		}
		return remoteTable
	}
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// Connect to PostgreSQL with retry logic
	pgPool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	// Migrations run over a dedicated plain connection
	migConn, err := pgx.Connect(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open migration connection")
	}
	if err := db.ApplyMigrations(ctx, migConn); err != nil {
		migConn.Close(ctx)
		logrus.WithError(err).Fatal("Failed to apply database migrations")
	}
	migConn.Close(ctx)

	store := db.NewStore(pgPool)

	// Connect to Airtable with retry logic
	remote, err := airtable.NewClientWithRetry(ctx, config.AirtableAPIKey, config.AirtableBaseID)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to Airtable after retries")
	}

	syncCfg := sync.DefaultConfig()
	syncCfg.Direction = sync.Direction(config.Direction)
	syncCfg.Strategy = sync.Strategy(config.Strategy)

	engine := sync.NewEngine(store, remote, syncCfg)

	bridge := events.NewBridge(func(ctx context.Context, storeID, entityType string) error {
		if _, err := engine.SyncEntityType(ctx, entityType); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"remote_store": storeID,
				"entity_type":  entityType,
			}).Error("Event-triggered sync failed")
			return err
		}
		return nil
	}, events.WithEntityResolver(entityResolver(syncCfg)))
	engine.SetConflictObserver(conflictObserver(bridge.Emit))

	notifier := scheduler.NewNotifier(config.NotifyWebhook, smtpConfig(config))
	sched := scheduler.New(jobRunner(store, remote, bridge.Emit), store, scheduler.WithNotifier(notifier))
	if err := scheduler.RegisterDefaultJobs(sched, config.AirtableBaseID); err != nil {
		logrus.WithError(err).Fatal("Failed to register default sync jobs")
	}
	sched.Start(ctx)
	defer sched.Stop()

	bridge.Start(ctx)
	defer bridge.Stop()

	// Local edits surface through the crm_records NOTIFY trigger
	go db.ListenForChanges(ctx, pgPool, localChangeEvents(bridge))

	router := events.NewRouter(events.RouterConfig{
		Bridge:        bridge,
		Scheduler:     sched,
		Engine:        engine,
		WebhookSecret: config.WebhookSecret,
	})
	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", config.ListenAddr).Info("HTTP server listening")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server failed")
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	logrus.Info("Graceful shutdown completed")
}
