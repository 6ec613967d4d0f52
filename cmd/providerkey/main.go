package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/infra/settings"
)

func main() {
	var (
		keyFlag      string
		providerFlag string
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the selected provider (fallbacks to environment)")
	flag.StringVar(&providerFlag, "provider", "meshy", "Provider to configure (meshy or tripo)")
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	var settingKey, envVar string
	switch provider {
	case "meshy", "":
		provider = "meshy"
		settingKey = settings.KeyMeshyAPIKey
		envVar = "MESHY_API_KEY"
	case "tripo":
		settingKey = settings.KeyTripoAPIKey
		envVar = "TRIPO_API_KEY"
	default:
		fmt.Fprintf(os.Stderr, "unsupported provider %q\n", providerFlag)
		os.Exit(1)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(envVar))
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s API key is required via -key or %s\n", strings.ToUpper(provider), envVar)
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := settings.NewStore(pool)

	ctxExec, cancelExec := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExec()
	if err := store.Set(ctxExec, settingKey, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s api key: %v\n", provider, err)
		os.Exit(1)
	}

	fmt.Printf("%s API key stored successfully\n", strings.ToUpper(provider))
}
