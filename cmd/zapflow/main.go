package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zapflowhq/zapflow/internal/api"
	"github.com/zapflowhq/zapflow/internal/dbquery"
	"github.com/zapflowhq/zapflow/internal/flow"
	"github.com/zapflowhq/zapflow/internal/genai"
	"github.com/zapflowhq/zapflow/internal/lockfile"
	"github.com/zapflowhq/zapflow/internal/messaging"
	"github.com/zapflowhq/zapflow/internal/payment"
	"github.com/zapflowhq/zapflow/internal/sheets"
	"github.com/zapflowhq/zapflow/internal/store"
	"github.com/zapflowhq/zapflow/internal/util"
	"github.com/zapflowhq/zapflow/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ZapFlow state data
	DefaultStateDir = "/var/lib/zapflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "zapflow.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping ZapFlow with configured modules")
	if err := run(flags); err != nil {
		slog.Error("ZapFlow failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("ZapFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	WhatsAppDSN string
	StateDir    string
	OpenAIKey   string
	MPToken     string
	APIAddr     string
	Backend     string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	openaiKey *string
	mpToken   *string
	apiAddr   *string
	backend   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:    util.GetEnv("ZAPFLOW_STATE_DIR", DefaultStateDir),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		MPToken:     os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
		APIAddr:     os.Getenv("API_ADDR"),
		Backend:     util.GetEnv("MESSAGING_BACKEND", "whatsapp"),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"ZAPFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MERCADOPAGO_ACCESS_TOKEN_SET", config.MPToken != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ZapFlow data (overrides $ZAPFLOW_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the conversation store (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		mpToken:   flag.String("mercadopago-token", config.MPToken, "Mercado Pago access token (overrides $MERCADOPAGO_ACCESS_TOKEN)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:   flag.String("messaging-backend", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// backendStore bundles the storage interfaces the engine consumes with the
// raw connection handed to the query adapter.
type backendStore struct {
	store store.Store
	dedup store.DedupRepo
	jobs  store.JobRepo
	db    *sql.DB
	pg    bool
}

// openStore builds the conversation store from the DSN.
func openStore(dsn string) (*backendStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		s, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return &backendStore{store: s, dedup: s, jobs: s, db: s.DB(), pg: true}, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return &backendStore{store: s, dedup: s, jobs: s, db: s.DB()}, nil
}

// buildMessagingService constructs the configured transport backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.backend == "twilio" {
		return messaging.NewTwilioService()
	}

	var waOpts []whatsapp.Option
	waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer backend.store.Close()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	deps := flow.Deps{
		Store:     backend.store,
		Dedup:     backend.dedup,
		Jobs:      backend.jobs,
		Messenger: msgService,
		Query:     dbquery.NewAdapter(dbquery.Conn{DB: backend.db, Postgres: backend.pg}),
		Sheets:    sheets.NewClient(),
	}
	if *flags.openaiKey != "" {
		genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		deps.GenAI = genaiClient
	} else {
		slog.Warn("No OpenAI API key configured; ai and transcription nodes will fail over to their error paths")
	}
	if *flags.mpToken != "" {
		mpClient, err := payment.NewClient(payment.WithAccessToken(*flags.mpToken))
		if err != nil {
			return err
		}
		deps.Payment = mpClient
	} else {
		slog.Warn("No Mercado Pago token configured; payment nodes will fail over to their error paths")
	}

	engine := flow.NewEngine(deps)

	// Durable delayed resumes survive restarts through the job runner.
	jobRunner := store.NewJobRunner(backend.jobs, 5*time.Second)
	engine.RegisterJobHandlers(jobRunner)
	if err := jobRunner.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}
	go jobRunner.Run(ctx)

	// Feed transport-delivered inbound messages into the engine.
	go func() {
		for msg := range msgService.Messages() {
			if err := engine.HandleInbound(ctx, msg); err != nil {
				slog.Error("Failed to process inbound message", "error", err, "conversationID", msg.ConversationID)
			}
		}
	}()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(engine, backend.store, apiOpts...)
	return server.Run(ctx)
}
