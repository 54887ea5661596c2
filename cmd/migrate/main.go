package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/portfolio-workcore/internal/app"
	"github.com/cuongbtq/portfolio-workcore/internal/config"
	"github.com/cuongbtq/portfolio-workcore/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	command := flag.String("command", migrations.CommandUp, "Migration command: up, down, status or version")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := app.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	dbClient, err := app.NewPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := migrations.Run(dbClient.GetDB().DB, cfg.Database.MigrationsTable, *command); err != nil {
		return err
	}

	appLogger.Info("Migration command finished",
		slog.String("command", *command),
		slog.String("table", cfg.Database.MigrationsTable),
	)
	return nil
}
