package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"consortium_platform/consortium/fabric"
	"consortium_platform/consortium/notify"
	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
	"consortium_platform/consortium/services"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type consortiumEnv struct {
	IngressHostname string
	LogDir          string
	JwtSecret       string

	DatabaseUri string

	AzureClientId     string
	AzureClientSecret string
	AzureAuthority    string

	PurviewApiUrl string
	FabricApiUrl  string

	AutoFulfill          bool
	DenyOnMissingOutcome bool
	SourceItemOverride   string

	ExternalRetryAttempts int
	ExternalRetryDelayMs  int
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables used by the consortium service must be loaded      ====
 * ==== here. This is to make the data flow clear so that a user can see ====
 * ==== what variables are exposed, and how the values are propagated    ====
 * ==== through the system.                                              ====
 * ==========================================================================
 */
func loadEnv() consortiumEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	optionalEnvDefault := func(key, fallback string) string {
		if env := os.Getenv(key); env != "" {
			return env
		}
		return fallback
	}

	env := consortiumEnv{
		IngressHostname: requiredEnv("INGRESS_HOSTNAME"),
		LogDir:          requiredEnv("LOG_DIR"),
		JwtSecret:       requiredEnv("JWT_SECRET"),

		DatabaseUri: requiredEnv("DATABASE_URI"),

		AzureClientId:     requiredEnv("AZURE_CLIENT_ID"),
		AzureClientSecret: requiredEnv("AZURE_CLIENT_SECRET"),
		AzureAuthority:    optionalEnvDefault("AZURE_AUTHORITY", "https://login.microsoftonline.com"),

		PurviewApiUrl: optionalEnvDefault("PURVIEW_API_URL", "https://api.purview-service.microsoft.com"),
		FabricApiUrl:  optionalEnvDefault("FABRIC_API_URL", "https://api.fabric.microsoft.com/v1"),

		AutoFulfill:          utils.BoolEnvVar("AUTO_FULFILL"),
		DenyOnMissingOutcome: utils.BoolEnvVar("DENY_ON_MISSING_OUTCOME"),
		SourceItemOverride:   utils.OptionalEnv("SOURCE_ITEM_OVERRIDE"),

		ExternalRetryAttempts: utils.IntEnvVar("EXTERNAL_RETRY_ATTEMPTS", 3),
		ExternalRetryDelayMs:  utils.IntEnvVar("EXTERNAL_RETRY_DELAY_MS", 1000),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	return env
}

func (env *consortiumEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func (env *consortiumEnv) retryPolicy() purview.RetryPolicy {
	return purview.RetryPolicy{
		Attempts: uint(env.ExternalRetryAttempts),
		Delay:    time.Duration(env.ExternalRetryDelayMs) * time.Millisecond,
	}
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.Institution{}, &schema.DataProduct{}, &schema.AccessRequest{},
		&schema.SyncHistory{}, &schema.AuditLog{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	reconcileInterval := flag.Duration("reconcile_interval", 2*time.Minute, "Interval between workflow reconciliation sweeps")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(env.LogDir, 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.LogDir, "consortium.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.LogDir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	db := initDb(env.postgresDsn())

	purviewTokens := &purview.ClientCredentialTokenSource{
		AuthorityBase: env.AzureAuthority,
		ClientId:      env.AzureClientId,
		ClientSecret:  env.AzureClientSecret,
		Scope:         "https://purview.azure.net/.default",
	}
	fabricTokens := &purview.ClientCredentialTokenSource{
		AuthorityBase: env.AzureAuthority,
		ClientId:      env.AzureClientId,
		ClientSecret:  env.AzureClientSecret,
		Scope:         "https://api.fabric.microsoft.com/.default",
	}

	retryPolicy := env.retryPolicy()

	scanner := &purview.HttpScanner{BaseUrl: env.PurviewApiUrl, Tokens: purviewTokens, Retry: retryPolicy}
	workflow := &purview.HttpWorkflowService{
		AccountUrlPattern: "https://%v.purview.azure.com",
		Tokens:            purviewTokens,
		Retry:             retryPolicy,
	}
	shortcuts := &fabric.HttpShortcutService{BaseUrl: env.FabricApiUrl, Tokens: fabricTokens, Retry: retryPolicy}

	variables := services.Variables{
		AutoFulfill:          env.AutoFulfill,
		DenyOnMissingOutcome: env.DenyOnMissingOutcome,
		SourceItemOverride:   env.SourceItemOverride,
	}

	consortium := services.NewConsortium(
		db,
		scanner,
		workflow,
		shortcuts,
		notify.LogNotifier{},
		variables,
		[]byte(env.JwtSecret),
		auditLog,
	)

	go consortium.ReconcileLoop(*reconcileInterval)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.IngressHostname},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", consortium.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
	consortium.StopReconcileLoop()
}
