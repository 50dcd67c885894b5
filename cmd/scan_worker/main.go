package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/services"

	"github.com/caarlos0/env/v10"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type scanWorkerEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`
	LogDir      string `env:"LOG_DIR,required"`

	AzureClientId     string `env:"AZURE_CLIENT_ID,required"`
	AzureClientSecret string `env:"AZURE_CLIENT_SECRET,required"`
	AzureAuthority    string `env:"AZURE_AUTHORITY" envDefault:"https://login.microsoftonline.com"`

	PurviewApiUrl string `env:"PURVIEW_API_URL" envDefault:"https://api.purview-service.microsoft.com"`

	ScanInterval time.Duration `env:"SCAN_INTERVAL" envDefault:"6h"`

	ExternalRetryAttempts uint          `env:"EXTERNAL_RETRY_ATTEMPTS" envDefault:"3"`
	ExternalRetryDelay    time.Duration `env:"EXTERNAL_RETRY_DELAY" envDefault:"1s"`
}

/**
 * ==========================================================================
 * ==== All variables used by the scan worker must be loaded here.       ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv() (*scanWorkerEnv, error) {
	cfg := &scanWorkerEnv{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func postgresDsn(uri string) (string, error) {
	parts, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("error parsing db uri: %w", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port()), nil
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

// The reason we have a separate runApp function is because the defer calls
// don't run if we exit with log.Fatalf, so instead we return an err here and
// fail outside.
func runApp() error {
	cfg, err := loadEnv()
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0777); err != nil {
		return fmt.Errorf("error creating log dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "scan_worker.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	initLogging(logFile)

	dsn, err := postgresDsn(cfg.DatabaseUri)
	if err != nil {
		return err
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("error opening database connection: %w", err)
	}

	scanner := &purview.HttpScanner{
		BaseUrl: cfg.PurviewApiUrl,
		Tokens: &purview.ClientCredentialTokenSource{
			AuthorityBase: cfg.AzureAuthority,
			ClientId:      cfg.AzureClientId,
			ClientSecret:  cfg.AzureClientSecret,
			Scope:         "https://purview.azure.net/.default",
		},
		Retry: purview.RetryPolicy{Attempts: cfg.ExternalRetryAttempts, Delay: cfg.ExternalRetryDelay},
	}

	orchestrator := services.NewSyncOrchestrator(db, scanner)

	// One cancellation signal flows through the whole scan so a shutdown
	// stops issuing external calls promptly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("scan worker starting", "interval", cfg.ScanInterval)

	// Run one scan immediately, then on the interval.
	orchestrator.ScanAllInstitutions(ctx, "")

	ticker := time.NewTicker(cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			orchestrator.ScanAllInstitutions(ctx, "")
		case <-ctx.Done():
			slog.Info("scan worker stopped")
			return nil
		}
	}
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("scan worker exited with error: %v", err)
	}
}
