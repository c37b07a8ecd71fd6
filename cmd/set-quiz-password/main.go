package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	var (
		rawID string
		remove bool
	)
	flag.StringVar(&rawID, "quiz", "", "Quiz ID")
	flag.BoolVar(&remove, "remove", false, "Remove the quiz password")
	flag.Parse()

	quizID, err := uuid.Parse(rawID)
	if err != nil {
		fmt.Println("Usage: set-quiz-password -quiz <uuid> [-remove]")
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	password := ""
	if !remove {
		fmt.Print("Enter Password: ")
		first, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading password")
			return
		}
		fmt.Print("Repeat Password: ")
		second, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading password")
			return
		}
		if string(first) != string(second) {
			fmt.Println("Error: Passwords do not match")
			return
		}
		if len(first) < 4 {
			fmt.Println("Error: Password must be at least 4 characters")
			return
		}
		password = string(first)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ─── Connect ───────────────────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	quizService := service.NewQuizService(
		repository.NewQuizRepository(pool),
		repository.NewAttemptRepository(pool),
		rdb, cfg.BcryptCost, log,
	)

	// ─── Logic ─────────────────────────────────────────────────────────
	if err := quizService.SetPassword(ctx, quizID, password); err != nil {
		log.Fatal().Err(err).Str("quiz_id", quizID.String()).Msg("Failed to set quiz password")
	}

	if remove {
		fmt.Printf("Password removed from quiz %s\n", quizID)
		return
	}
	fmt.Printf("Password set for quiz %s\n", quizID)
}
