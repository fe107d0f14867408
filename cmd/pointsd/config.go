package main

import (
	"strings"

	"github.com/MarkoPoloResearchLab/points/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "POINTS"

	flagConfigFile        = "env-file"
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagLedgerStore       = "ledger-store"
	flagAdminKey          = "admin-key"
	flagStepUpSigningKey  = "step-up-signing-key"
	flagStepUpIssuer      = "step-up-issuer"
	flagStepUpThreshold   = "step-up-threshold"
	flagAdvisoryAPIKey    = "advisory-api-key"
	flagAdvisoryModel     = "advisory-model"
	flagAdvisoryURL       = "advisory-url"
	flagAdvisoryTimeout   = "advisory-timeout"
	flagAllowedOrigins    = "allowed-origins"
	flagGRPCHealthAddr    = "grpc-health-addr"
	flagApplyAttempts     = "apply-attempts"
	flagDevelopmentLogger = "dev-logger"
)

var configFlags = []string{
	flagDatabaseURL,
	flagListenAddr,
	flagLedgerStore,
	flagAdminKey,
	flagStepUpSigningKey,
	flagStepUpIssuer,
	flagStepUpThreshold,
	flagAdvisoryAPIKey,
	flagAdvisoryModel,
	flagAdvisoryURL,
	flagAdvisoryTimeout,
	flagAllowedOrigins,
	flagGRPCHealthAddr,
	flagApplyAttempts,
	flagDevelopmentLogger,
}

func registerConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional .env file loaded before reading POINTS_* variables")
	flags.String(flagDatabaseURL, "", "database URL (postgres://… or sqlite://path)")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagLedgerStore, "", "ledger store backend: gorm or pgx")
	flags.String(flagAdminKey, "", "admin API key")
	flags.String(flagStepUpSigningKey, "", "HMAC key for step-up tokens")
	flags.String(flagStepUpIssuer, "", "issuer claim for step-up tokens")
	flags.Int64(flagStepUpThreshold, 0, "transfers above this amount need step-up")
	flags.String(flagAdvisoryAPIKey, "", "Gemini API key; empty disables advisory")
	flags.String(flagAdvisoryModel, "", "Gemini model name")
	flags.String(flagAdvisoryURL, "", "Gemini API base URL")
	flags.Duration(flagAdvisoryTimeout, 0, "advisory call timeout")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagGRPCHealthAddr, "", "gRPC health listen address; empty disables it")
	flags.Int(flagApplyAttempts, 0, "ledger apply attempts on concurrent update")
	flags.Bool(flagDevelopmentLogger, false, "use the development zap logger")
}

// loadConfig merges an optional .env file, POINTS_* environment variables and flags, flags winning.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if envFile := lookupFlag(cmd, flagConfigFile); envFile != nil && strings.TrimSpace(envFile.Value.String()) != "" {
		if err := godotenv.Load(envFile.Value.String()); err != nil {
			return config.Config{}, err
		}
	}

	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range configFlags {
		flag := lookupFlag(cmd, name)
		if flag == nil {
			continue
		}
		if err := settings.BindPFlag(name, flag); err != nil {
			return config.Config{}, err
		}
	}

	cfg := config.Config{
		ListenAddr:        settings.GetString(flagListenAddr),
		DatabaseURL:       settings.GetString(flagDatabaseURL),
		LedgerStore:       settings.GetString(flagLedgerStore),
		AdminKey:          settings.GetString(flagAdminKey),
		StepUpSigningKey:  settings.GetString(flagStepUpSigningKey),
		StepUpIssuer:      settings.GetString(flagStepUpIssuer),
		StepUpThreshold:   settings.GetInt64(flagStepUpThreshold),
		AdvisoryAPIKey:    settings.GetString(flagAdvisoryAPIKey),
		AdvisoryModel:     settings.GetString(flagAdvisoryModel),
		AdvisoryURL:       settings.GetString(flagAdvisoryURL),
		AdvisoryTimeout:   settings.GetDuration(flagAdvisoryTimeout),
		AllowedOrigins:    config.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		GRPCHealthAddr:    settings.GetString(flagGRPCHealthAddr),
		ApplyAttempts:     settings.GetInt(flagApplyAttempts),
		DevelopmentLogger: settings.GetBool(flagDevelopmentLogger),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// lookupFlag finds a flag before and after cobra merges persistent flags into the local set.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}
