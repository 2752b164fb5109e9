package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aloksinha3/Mada/internal/api"
	"github.com/aloksinha3/Mada/internal/dispatcher"
	"github.com/aloksinha3/Mada/internal/genai"
	"github.com/aloksinha3/Mada/internal/ivr"
	"github.com/aloksinha3/Mada/internal/lockfile"
	"github.com/aloksinha3/Mada/internal/metrics"
	"github.com/aloksinha3/Mada/internal/schedule"
	"github.com/aloksinha3/Mada/internal/scheduler"
	"github.com/aloksinha3/Mada/internal/store"
	"github.com/aloksinha3/Mada/internal/telephony"
	"github.com/aloksinha3/Mada/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Mada state data
	DefaultStateDir = "/var/lib/mada"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mada.db"
	// DefaultHorizonDays is the default schedule generation horizon
	DefaultHorizonDays = 14
	// ServiceName identifies the service in exported telemetry
	ServiceName = "mada"
	// Version is reported with exported telemetry
	Version = "0.1.0"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping Mada with configured modules")
	if err := run(flags); err != nil {
		slog.Error("Mada failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Mada exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	APIAddr            string
	PublicBaseURL      string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	ValidateSignatures bool
	OpenAIKey          string
	DispatchInterval   time.Duration
	WatchdogCeiling    time.Duration
	HorizonDays        int
	Timezone           string
	RefreshCron        string
	OTLPEndpoint       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	apiAddr            *string
	publicBaseURL      *string
	twilioAccountSID   *string
	twilioAuthToken    *string
	twilioFromNumber   *string
	validateSignatures *bool
	openaiKey          *string
	dispatchInterval   *time.Duration
	watchdogCeiling    *time.Duration
	horizonDays        *int
	timezone           *string
	refreshCron        *string
	otlpEndpoint       *string
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
		StateDir:           util.GetEnvOrDefault("MADA_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		APIAddr:            util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateSignatures: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURES", true),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		DispatchInterval:   util.ParseDurationEnv("DISPATCH_INTERVAL", dispatcher.DefaultInterval),
		WatchdogCeiling:    util.ParseDurationEnv("WATCHDOG_CEILING", dispatcher.DefaultWatchdogCeiling),
		HorizonDays:        util.ParseIntEnv("SCHEDULE_HORIZON_DAYS", DefaultHorizonDays),
		Timezone:           util.GetEnvOrDefault("SCHEDULE_TIMEZONE", "UTC"),
		RefreshCron:        util.GetEnvOrDefault("REFRESH_CRON", scheduler.DefaultRefreshSpec),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"MADA_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DISPATCH_INTERVAL", config.DispatchInterval,
		"WATCHDOG_CEILING", config.WatchdogCeiling,
		"SCHEDULE_HORIZON_DAYS", config.HorizonDays,
		"SCHEDULE_TIMEZONE", config.Timezone,
		"REFRESH_CRON", config.RefreshCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := registerFlags(flag.CommandLine, config)
	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"publicBaseURL", *flags.publicBaseURL,
		"validateSignatures", *flags.validateSignatures,
		"openaiKeySet", *flags.openaiKey != "",
		"horizonDays", *flags.horizonDays)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
	return flags
}

func registerFlags(fs *flag.FlagSet, config Config) Flags {
	return Flags{
		stateDir:           fs.String("state-dir", config.StateDir, "state directory for Mada data (overrides $MADA_STATE_DIR)"),
		dbDSN:              fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:            fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicBaseURL:      fs.String("public-base-url", config.PublicBaseURL, "public URL Twilio reaches the webhooks on (overrides $PUBLIC_BASE_URL)"),
		twilioAccountSID:   fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioAuthToken:    fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFromNumber:   fs.String("twilio-from", config.TwilioFromNumber, "caller id for outbound calls (overrides $TWILIO_FROM_NUMBER)"),
		validateSignatures: fs.Bool("validate-signatures", config.ValidateSignatures, "reject unsigned Twilio webhooks (overrides $TWILIO_VALIDATE_SIGNATURES)"),
		openaiKey:          fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for script personalization (overrides $OPENAI_API_KEY)"),
		dispatchInterval:   fs.Duration("dispatch-interval", config.DispatchInterval, "dispatcher tick interval (overrides $DISPATCH_INTERVAL)"),
		watchdogCeiling:    fs.Duration("watchdog-ceiling", config.WatchdogCeiling, "time a call may stay in flight without an event (overrides $WATCHDOG_CEILING)"),
		horizonDays:        fs.Int("horizon-days", config.HorizonDays, "schedule generation horizon in days (overrides $SCHEDULE_HORIZON_DAYS)"),
		timezone:           fs.String("timezone", config.Timezone, "IANA time zone for schedule times (overrides $SCHEDULE_TIMEZONE)"),
		refreshCron:        fs.String("refresh-cron", config.RefreshCron, "cron expression for the rolling schedule refresh (overrides $REFRESH_CRON)"),
		otlpEndpoint:       fs.String("otlp-endpoint", config.OTLPEndpoint, "OTLP gRPC collector for metrics (overrides $OTEL_EXPORTER_OTLP_ENDPOINT)"),
	}
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("create state directory %s: %w", stateDir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildPlacer returns the Twilio placer, or a logging mock when Twilio is
// not configured.
func buildPlacer(flags Flags) (telephony.Placer, error) {
	if *flags.twilioAccountSID == "" || *flags.twilioAuthToken == "" || *flags.twilioFromNumber == "" {
		slog.Warn("Twilio credentials not configured, calls will be logged but not placed")
		return telephony.NewMockPlacer(), nil
	}
	return telephony.NewTwilioPlacer(
		telephony.WithAccountSID(*flags.twilioAccountSID),
		telephony.WithAuthToken(*flags.twilioAuthToken),
		telephony.WithFromNumber(*flags.twilioFromNumber),
		telephony.WithBaseURL(*flags.publicBaseURL),
	)
}

// buildPolicy constructs the schedule planning policy
func buildPolicy(flags Flags) (schedule.Policy, error) {
	policy := schedule.DefaultPolicy()
	loc, err := time.LoadLocation(*flags.timezone)
	if err != nil {
		return policy, fmt.Errorf("invalid timezone %q: %w", *flags.timezone, err)
	}
	policy.Location = loc
	if *flags.horizonDays > 0 {
		policy.Horizon = time.Duration(*flags.horizonDays) * 24 * time.Hour
	}
	return policy, nil
}

// buildGeneratorOptions constructs schedule generator options
func buildGeneratorOptions(flags Flags, policy schedule.Policy, m *metrics.Metrics) []schedule.Option {
	genOpts := []schedule.Option{schedule.WithPolicy(policy), schedule.WithRecorder(m)}
	if *flags.openaiKey == "" {
		slog.Debug("No OpenAI API key, scripts use templates only")
		return genOpts
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("GenAI client unavailable, scripts use templates only", "error", err)
		return genOpts
	}
	return append(genOpts, schedule.WithPersonalizer(client))
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithPublicBaseURL(*flags.publicBaseURL),
	}
	if *flags.validateSignatures && *flags.twilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithSignatureValidation(*flags.twilioAuthToken))
	}
	return apiOpts
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flags.otlpEndpoint != "" {
		shutdown, err := metrics.Setup(ctx, ServiceName, Version, *flags.otlpEndpoint)
		if err != nil {
			slog.Warn("Failed to set up OpenTelemetry metrics export", "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					slog.Error("Error shutting down OpenTelemetry", "error", err)
				}
			}()
		}
	}
	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// A SQLite state directory serves exactly one dispatcher.
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.Acquire(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	placer, err := buildPlacer(flags)
	if err != nil {
		return fmt.Errorf("init telephony: %w", err)
	}
	policy, err := buildPolicy(flags)
	if err != nil {
		return err
	}

	gen := schedule.NewGenerator(st, st, buildGeneratorOptions(flags, policy, m)...)
	disp := dispatcher.New(st, st, placer,
		dispatcher.WithMetrics(m),
		dispatcher.WithInterval(*flags.dispatchInterval),
		dispatcher.WithWatchdogCeiling(*flags.watchdogCeiling),
	)
	machine := ivr.NewMachine(st, ivr.WithMetrics(m), ivr.WithPatients(st))

	cron := scheduler.NewScheduler()
	defer cron.Stop()
	if err := cron.AddRefresh(*flags.refreshCron, st, gen, policy.Horizon); err != nil {
		return fmt.Errorf("invalid refresh cron %q: %w", *flags.refreshCron, err)
	}

	if _, err := disp.Recover(ctx); err != nil {
		slog.Error("Dispatcher recovery failed", "error", err)
	}
	go disp.Run(ctx)
	defer disp.Wait()

	server := api.NewServer(st, gen, disp, machine, buildAPIOptions(flags)...)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
