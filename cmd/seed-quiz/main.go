package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var path string
	flag.StringVar(&path, "file", "", "Path to the quiz YAML file")
	flag.Parse()
	if path == "" {
		fmt.Println("Usage: seed-quiz -file quiz.yaml")
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// ─── Parse Quiz ────────────────────────────────────────────────────
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open quiz file")
	}
	seed, err := decodeQuiz(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Invalid quiz file")
	}

	quiz := seed.toModel()
	if seed.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), cfg.BcryptCost)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		quiz.PasswordHash = string(hash)
	}

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

	quizRepo := repository.NewQuizRepository(pool)
	quizService := service.NewQuizService(quizRepo, repository.NewAttemptRepository(pool), rdb, cfg.BcryptCost, log)

	// ─── Store ─────────────────────────────────────────────────────────
	if err := quizRepo.Upsert(ctx, quiz); err != nil {
		log.Fatal().Err(err).Msg("Failed to store quiz")
	}
	if err := quizService.InvalidateQuiz(ctx, quiz.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate cached quiz")
	}

	fmt.Printf("Seeded quiz '%s' (%s) with %d questions\n", quiz.Title, quiz.ID, len(quiz.Questions))
}
