package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/dbconfig"
)

func main() {
	path := flag.String("file", content.DefaultPath, "scenario pack to load")
	flag.Parse()

	// 1) Load and validate the YAML pack
	scenarios, err := content.LoadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load scenarios: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	ctx := context.Background()
	cfg := dbconfig.NewConfigFromEnv()
	store, pool, err := content.NewPostgresStoreFromDSN(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert and count
	var (
		total    = len(scenarios)
		inserted int
		updated  int
		errs     int
	)

	for _, sc := range scenarios {
		created, err := store.Upsert(ctx, sc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error upserting scenario %s: %v\n", sc.ID, err)
			errs++
			continue
		}
		if created {
			inserted++
		} else {
			updated++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Scenarios seed complete: %d total, %d inserted, %d updated, %d errors\n",
		total, inserted, updated, errs,
	)
	if errs > 0 {
		pool.Close()
		os.Exit(1)
	}
}
