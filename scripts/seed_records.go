package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"shelfsync/internal/database"
	"shelfsync/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type SeedFile struct {
	Collection string           `yaml:"collection"`
	Records    []map[string]any `yaml:"records"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		seedPath   = flag.String("seed", "configs/seed.yaml", "path to seed yaml")
		dbPath     = flag.String("db", "./data/shelfsync.db", "path to sqlite db")
		collection = flag.String("collection", "", "override the collection named in the seed file")
	)
	flag.Parse()

	data, err := os.ReadFile(*seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed SeedFile
	if err = yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	if *collection != "" {
		seed.Collection = *collection
	}
	if seed.Collection == "" {
		return fmt.Errorf("no collection given")
	}
	if len(seed.Records) == 0 {
		return fmt.Errorf("no records in yaml")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records := make([]models.Record, 0, len(seed.Records))
	for _, r := range seed.Records {
		records = append(records, models.Record(r))
	}
	if err = db.PutMany(ctx, seed.Collection, records); err != nil {
		return fmt.Errorf("store %s: %w", seed.Collection, err)
	}

	total, err := db.Count(ctx, seed.Collection)
	if err != nil {
		return fmt.Errorf("count %s: %w", seed.Collection, err)
	}
	fmt.Printf("done: stored=%d total=%d\n", len(records), total)
	return nil
}
