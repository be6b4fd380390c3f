// Command issue-token prints an operator or admin bearer token for the REST API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/KevinKickass/MachineConnect/internal/auth"
	"github.com/KevinKickass/MachineConnect/internal/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	subject := flag.String("subject", "", "who the token is issued to")
	role := flag.String("role", "operator", "operator or admin")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if *subject == "" {
		logger.Fatal("Missing -subject")
	}
	if *role != "operator" && *role != "admin" {
		logger.Fatal("Unknown role", zap.String("role", *role))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if !cfg.Auth.IsProductionReady() {
		logger.Warn("Signing with the development JWT secret")
	}

	// Issuing operator tokens does not touch the device registry.
	authService := auth.NewAuthService(nil, cfg.Auth, logger)

	token, err := authService.IssueAccessToken(*subject, *role)
	if err != nil {
		logger.Fatal("Failed to issue token", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, token)
}
