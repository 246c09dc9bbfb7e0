package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli"

	"remindbot/internal/app"
	"remindbot/internal/config"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "remindbot"
	a.Usage = "Telegram bot that delivers one-shot reminders"
	a.UsageText = "remindbot [--config path] [command]"
	a.Version = version
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the JSON or YAML config file",
			EnvVar: "REMINDBOT_CONFIG",
			Value:  "./config.yaml",
		},
	}
	a.Action = run
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the bot (default)",
			Action: run,
		},
		{
			Name:   "check-config",
			Usage:  "load and validate the config, then exit",
			Action: checkConfig,
		},
		{
			Name:   "env",
			Usage:  "list the REMINDBOT_* environment overrides",
			Action: envHelp,
		},
	}
	return a
}

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return c.String("config")
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bot, err := app.New(ctx, configPath(c))
	if err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = bot.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-bot.Done():
		if bot.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = bot.Stop(stopCtx, reason)
	if err := bot.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	path := configPath(c)
	m := config.NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "memory"
	}
	fmt.Printf("config ok: %s (storage=%s, scheduler=%t)\n", path, driver, !cfg.Scheduler.Disabled)
	return nil
}

func envHelp(*cli.Context) error {
	help, err := config.EnvHelp()
	if err != nil {
		return err
	}
	fmt.Println(help)
	return nil
}
