package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"reviewwatch/internal/app"
	"reviewwatch/internal/config"
	"reviewwatch/internal/render"
	"reviewwatch/internal/review"
)

func main() {
	cmd := &cli.Command{
		Name:  "reviewwatch",
		Usage: "Track manuscript reviewer progress and watch it for changes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.json",
				Usage:   "path to config (json or yaml)",
				Sources: cli.EnvVars("REVIEWWATCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before the config; missing is fine",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, loadEnv(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the daemon",
				Action: runDaemon,
			},
			{
				Name:      "render",
				Usage:     "Render a saved tracker payload",
				ArgsUsage: "<payload.json>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "html", Usage: "html, panel, telegram or json"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file; default stdout"},
					&cli.StringFlag{Name: "tz", Usage: "IANA timezone for dates; default local"},
				},
				Action: renderPayload,
			},
			{
				Name:   "check-config",
				Usage:  "Validate the config file and exit",
				Action: checkConfig,
			},
		},
		DefaultCommand: "run",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func loadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runDaemon(ctx context.Context, c *cli.Command) error {
	a, err := app.NewApp(c.String("config"))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func renderPayload(_ context.Context, c *cli.Command) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("payload file is required")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p, err := review.Decode(body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(c.String("tz")); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	d := render.Build(p, loc)

	var out []byte
	switch strings.ToLower(c.String("format")) {
	case "html":
		out, err = render.NewHTMLRenderer().Page(d)
	case "panel":
		out, err = render.NewHTMLRenderer().Panel(d)
	case "telegram":
		out = []byte(render.Telegram(d).Text)
	case "json":
		out, err = sonic.ConfigStd.MarshalIndent(d, "", "  ")
	default:
		return fmt.Errorf("unknown format %q", c.String("format"))
	}
	if err != nil {
		return err
	}

	if dst := c.String("out"); dst != "" {
		return os.WriteFile(dst, out, 0o644)
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}

func checkConfig(_ context.Context, c *cli.Command) error {
	path := c.String("config")
	cfg, err := app.CheckConfig(path)
	if err != nil {
		return err
	}
	sections, _ := config.Summarize(nil, cfg)
	fmt.Printf("%s: ok (%s)\n", path, strings.Join(sections, ", "))
	return nil
}
