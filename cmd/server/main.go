// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command server starts the medpalm chat core HTTP server.
//
// This is the main entry point for the containerized chat core service.
// Configuration comes from flags, with environment variable fallbacks
// for container deployments.
//
// # Environment Variables
//
//   - CHATCORE_PORT: HTTP server port (default: 8089)
//   - CHATCORE_DATA_DIR: Badger database directory (default: ./data)
//   - CHATCORE_FEATURE_VIEW: feature configuration file (default: ./config/features.json)
//   - CHATCORE_LOG_DIR: log file directory (optional, stderr only when unset)
//   - CHATCORE_LOG_LEVEL: debug, info, warn, error (default: info)
//   - OPENAI_API_KEY: direct-generation backend credential
//   - OPENAI_BASE_URL: direct backend endpoint override (optional)
//   - SEARCH_BACKEND_URL: search-augmented backend streaming endpoint
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - GIN_MODE: debug, release, test (default: release)
//
// # Usage
//
//	# Build
//	go build -o chatcore ./cmd/server
//
//	# Run
//	./chatcore serve
//
//	# Or with overrides
//	./chatcore serve --port 9090 --data-dir /var/lib/chatcore
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Caprice123/medpalm-mediko-id-sub005/pkg/logging"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore"
)

var (
	flagPort        int
	flagDataDir     string
	flagFeatureView string
	flagLogDir      string
	flagLogLevel    string

	rootCmd = &cobra.Command{
		Use:   "chatcore",
		Short: "The medpalm streaming chat core",
		Long: `Chat core serves the streaming turn pipeline shared by the
assistant, clinical simulation, and thesis features.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the chat core HTTP server",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port",
		getEnvInt("CHATCORE_PORT", 8089), "HTTP server port")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir",
		getEnvString("CHATCORE_DATA_DIR", "./data"), "Badger database directory")
	serveCmd.Flags().StringVar(&flagFeatureView, "feature-view",
		getEnvString("CHATCORE_FEATURE_VIEW", "./config/features.json"),
		"feature configuration file")
	serveCmd.Flags().StringVar(&flagLogDir, "log-dir",
		os.Getenv("CHATCORE_LOG_DIR"), "log file directory (stderr only when empty)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level",
		getEnvString("CHATCORE_LOG_LEVEL", "info"), "debug, info, warn, or error")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(flagLogLevel),
		LogDir:  flagLogDir,
		Service: "chatcore",
		JSON:    true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	cfg := chatcore.Config{
		Port:             flagPort,
		DataDir:          flagDataDir,
		FeatureViewPath:  flagFeatureView,
		WatchFeatureView: true,
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		SearchBackendURL: os.Getenv("SEARCH_BACKEND_URL"),
		OTelEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnableMetrics:    true,
		GinMode:          getEnvString("GIN_MODE", "release"),
	}

	slog.Info("Starting chat core",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"feature_view", cfg.FeatureViewPath,
	)

	svc, err := chatcore.New(cfg)
	if err != nil {
		return err
	}

	// Run the server (blocks until shutdown)
	return svc.Run()
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
