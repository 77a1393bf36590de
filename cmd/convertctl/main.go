package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/convertqueue/internal/client"
)

func main() {
	baseURL := flag.String("url", envOr("CONVERT_URL", "http://localhost:3000"), "service base URL")
	tool := flag.String("tool", "", "tool name, e.g. pdf:merge-pdf")
	extra := flag.String("extra", "", "extra payload, e.g. {\"pagesToDelete\":\"2-3\"}")
	out := flag.String("out", ".", "directory for the downloaded artifact")
	attempts := flag.Int("attempts", client.DefaultPollAttempts, "maximum status polls")
	interval := flag.Duration("interval", client.DefaultPollInterval, "delay between polls")
	verbose := flag.Bool("v", false, "log every poll")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: convertctl -tool <name> [flags] <file>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *tool == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, nil)
	c.PollAttempts = *attempts
	c.PollInterval = *interval

	id, err := c.Submit(ctx, *tool, flag.Args(), *extra)
	if err != nil {
		log.Fatal().Err(err).Msg("submit failed")
	}
	log.Info().Str("job_id", id).Str("tool", *tool).Msg("job submitted")

	url, err := c.Wait(ctx, id)
	switch {
	case errors.Is(err, client.ErrPollTimeout):
		log.Warn().Str("job_id", id).Msg("still processing; check again later")
		os.Exit(3)
	case err != nil:
		log.Fatal().Err(err).Str("job_id", id).Msg("conversion failed")
	}

	dest, err := c.Download(ctx, url, *out)
	if err != nil {
		log.Fatal().Err(err).Str("url", url).Msg("download failed")
	}
	fmt.Println(dest)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
