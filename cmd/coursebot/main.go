package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/LeoLee-0531/yuntech-course-bot/lib/botstate"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/captcha"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/configutil"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/notify"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/roster"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/scrapers/coursequery"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/serviceutil"
	"github.com/LeoLee-0531/yuntech-course-bot/lib/telemetry"
	"github.com/LeoLee-0531/yuntech-course-bot/services/bot"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

type Config struct {
	// IntervalSeconds is the polling cadence. 30s keeps the portal happy.
	IntervalSeconds int    `json:"interval_seconds"`
	UsersFile       string `json:"users_file"`
	LoginMaxRetries int    `json:"login_max_retries"`
	Ocr             struct {
		Endpoint string `json:"endpoint"`
	} `json:"ocr"`
	Line struct {
		ChannelAccessToken string `json:"channel_access_token"`
		GroupID            string `json:"group_id"`
	} `json:"line"`
}

func initSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

var flags struct {
	config  string
	verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "coursebot",
	Short: "coursebot polls yuntech course availability and auto-enrolls when a seat opens.",
	Run: func(cmd *cobra.Command, args []string) {
		initSlog(flags.verbose)

		cfg, err := configutil.ReadConfig[Config](flags.config)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		if cfg.IntervalSeconds <= 0 {
			cfg.IntervalSeconds = 30
		}
		if cfg.UsersFile == "" {
			cfg.UsersFile = "users.json"
		}
		if cfg.LoginMaxRetries <= 0 {
			cfg.LoginMaxRetries = 3
		}
		if cfg.Ocr.Endpoint == "" {
			serviceutil.Fatal("invalid config", errors.New("missing ocr.endpoint"))
		}

		ctx := serviceutil.SignalContext()

		tel, err := telemetry.SetupFromEnv(ctx, "coursebot")
		if err != nil && !os.IsNotExist(err) {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer func() {
			if err := tel.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown telemetry", "err", err)
			}
		}()

		recognizer := captcha.NewClient(captcha.ClientOptions{
			Endpoint: cfg.Ocr.Endpoint,
		})
		notifier := notify.New(notify.Options{
			ChannelAccessToken: cfg.Line.ChannelAccessToken,
			GroupID:            cfg.Line.GroupID,
		})
		if !notifier.Configured() {
			slog.Warn("line credentials not configured, notifications are log-only")
		}

		service := bot.NewService(
			bot.Config{
				Interval:  time.Duration(cfg.IntervalSeconds) * time.Second,
				UsersFile: cfg.UsersFile,
			},
			bot.Dependencies{
				Loader:   roster.NewLoader(cfg.UsersFile),
				Tracker:  botstate.NewTracker(),
				Notifier: notifier,
				NewChecker: func(courseID string) bot.Checker {
					return coursequery.NewClient(coursequery.ClientOptions{})
				},
				NewAgent: func(user roster.User) bot.Agent {
					return bot.NewAccountAgent(user, recognizer, cfg.LoginMaxRetries)
				},
			},
		)
		service.Run(ctx)
	},
}

func main() {
	rootCmd.Flags().StringVarP(&flags.config, "config", "c", "config.json5", "path to the config file")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
