// operatord runs an EigenVault operator node: it watches the settlement
// layer for encrypted orders and matching tasks, matches privately with
// its peers, and submits settlement proofs back on-chain.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/config"
	"github.com/eigenvault/operator/pkg/operator"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to config file")
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "", "Override configured log level")
	metricsPort := flag.Int("metrics-port", 0, "Override configured metrics port")
	initConfig := flag.Bool("init", false, "Write a default config file and exit")
	keygen := flag.Bool("keygen", false, "Generate an operator key and exit")
	flag.Parse()

	if *initConfig {
		if err := config.Default().Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default config written to %s\n", *configPath)
		return
	}

	if *keygen {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OPERATOR_PRIVATE_KEY=0x%s\n", hex.EncodeToString(key))
		return
	}

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}

	level, _ := log.ToLevel(cfg.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing operator node")

	dataPath := cfg.DataDir
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(os.Getenv("HOME"), dataPath)
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		logger.Error("Failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	// BadgerDB with an in-memory fallback for environments without a
	// writable disk.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "eigenvault"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			logger.Error("Failed to create database", "error", err)
			os.Exit(1)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}
	defer db.Close()

	op, err := operator.New(cfg, db, logger)
	if err != nil {
		logger.Error("Failed to assemble operator", "error", err)
		os.Exit(1)
	}
	if err := op.Start(); err != nil {
		logger.Error("Failed to start operator", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	op.Stop()
}
