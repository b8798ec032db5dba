package main

import (
	"fmt"
	"os"

	"github.com/macjediwizard/calpush/internal/caldav"
	"github.com/macjediwizard/calpush/internal/config"
	"github.com/macjediwizard/calpush/internal/db"
	"github.com/macjediwizard/calpush/internal/notify"
	"github.com/macjediwizard/calpush/internal/progress"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "calpush",
	Short: "Push locally stored activities to a CalDAV calendar",
	Long: `calpush publishes activities from its local store as events on a CalDAV
server. Each run discovers the target calendar, indexes what is already there
and creates or updates one event per activity.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(syncCmd, serveCmd, calendarsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	log      *logrus.Entry
	db       *db.DB
	notifier *notify.Notifier
	engine   *caldav.SyncEngine
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log := logrus.NewEntry(logger).WithField("service", "calpush")

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	notifier := notify.New(cfg.NotifyConfig(), log)
	if notifier.IsEnabled() {
		log.WithField("cooldown", cfg.Alerts.Cooldown).Info("Webhook alerts enabled")
	}

	engine := caldav.NewSyncEngine(database, cfg.EngineConfig(), progress.NewTracker(), notifier, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       database,
		notifier: notifier,
		engine:   engine,
	}, nil
}

// close flushes pending alerts and closes the database.
func (a *app) close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("Error closing database")
	}
}
