package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token mints tokens for local testing. Participant tokens are
// registered as the participant's active session, replacing any other.
func main() {
	var (
		participant string
		admin       string
		perms       string
	)
	flag.StringVar(&participant, "participant", "", "Participant ID")
	flag.StringVar(&admin, "admin", "", "Admin ID")
	flag.StringVar(&perms, "permissions", service.PermissionAttemptsRead+","+service.PermissionAttemptsManage, "Comma-separated admin permissions")
	flag.Parse()

	if (participant == "") == (admin == "") {
		fmt.Println("Usage: issue-token -participant <id> | -admin <id> [-permissions a,b]")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if admin != "" {
		auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, nil)
		token, err := auth.IssueAdminToken(admin, splitPermissions(perms))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue admin token")
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, rdb)
	token, err := auth.IssueParticipantToken(ctx, participant)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue participant token")
	}
	fmt.Println(token)
}

func splitPermissions(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
