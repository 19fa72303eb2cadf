package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch args[0] {
	case "admin-token":
		if len(args) < 2 {
			fatalUsage("admin-token requires an admin id")
		}
		tokens := service.NewTokenService(cfg.JWTSecret, cfg.AttemptTokenTTL, cfg.AdminTokenTTL)
		token, err := tokens.IssueAdminToken(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue admin token")
		}
		fmt.Println(token)

	case "set-access-code", "clear-access-code", "activate", "deactivate":
		if len(args) < 2 {
			fatalUsage(args[0] + " requires an exam id")
		}
		examID, err := uuid.Parse(args[1])
		if err != nil {
			fatalUsage("invalid exam id")
		}
		runExamCommand(ctx, cfg, log, args[0], examID)

	default:
		printUsage()
		os.Exit(2)
	}
}

func runExamCommand(ctx context.Context, cfg *config.Config, log zerolog.Logger, cmd string, examID uuid.UUID) {
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

	examRepo := repository.NewExamRepository(pool)
	examService := service.NewExamService(examRepo, repository.NewQuestionRepository(pool), rdb, log)

	switch cmd {
	case "set-access-code":
		code := readAccessCode()
		hash, err := service.HashAccessCode(code, cfg.BcryptCost)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash access code")
		}
		err = examRepo.SetAccessCode(ctx, examID, hash)
		exitOnErr(log, err, "Failed to set access code")
	case "clear-access-code":
		exitOnErr(log, examRepo.SetAccessCode(ctx, examID, ""), "Failed to clear access code")
	case "activate":
		exitOnErr(log, examRepo.SetActive(ctx, examID, true), "Failed to activate exam")
	case "deactivate":
		exitOnErr(log, examRepo.SetActive(ctx, examID, false), "Failed to deactivate exam")
	}

	// Running servers see the change on their next cache read.
	if err := examService.RefreshCache(ctx, examID); err != nil {
		log.Warn().Err(err).Msg("Cache refresh failed; change applies when the cache expires")
	}
	fmt.Printf("%s: done for exam %s\n", cmd, examID)
}

func readAccessCode() string {
	fmt.Print("Enter Access Code: ")
	code, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Println("Error reading access code")
		os.Exit(1)
	}

	fmt.Print("Confirm Access Code: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil || string(confirm) != string(code) {
		fmt.Println("Error: access codes do not match")
		os.Exit(1)
	}
	if len(code) < 4 {
		fmt.Println("Error: access code must be at least 4 characters")
		os.Exit(1)
	}
	return string(code)
}

func exitOnErr(log zerolog.Logger, err error, msg string) {
	if err != nil {
		log.Fatal().Err(err).Msg(msg)
	}
}

func fatalUsage(msg string) {
	fmt.Println("Error:", msg)
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Println("Usage: examctl <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  admin-token <admin_id>          issue an admin bearer token")
	fmt.Println("  set-access-code <exam_id>       prompt for and store an access code")
	fmt.Println("  clear-access-code <exam_id>     remove the access code requirement")
	fmt.Println("  activate <exam_id>              open an exam for new attempts")
	fmt.Println("  deactivate <exam_id>            close an exam for new attempts")
}
