// Command admin wipes the stored pairing credentials, forcing the bridge to
// run a fresh pairing on its next start. Run while the bridge is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/vietddude/relay/internal/infra/postgres"
)

func main() {
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	deviceID := flag.String("device", os.Getenv("RELAY_DEVICE_ID"), "Device identifier")
	flag.Parse()

	_ = godotenv.Load()
	if *dbURL == "" {
		*dbURL = os.Getenv("DATABASE_URL")
	}
	if *deviceID == "" {
		*deviceID = os.Getenv("RELAY_DEVICE_ID")
	}
	if *dbURL == "" || *deviceID == "" {
		fmt.Fprintln(os.Stderr, "both -db and -device (or DATABASE_URL / RELAY_DEVICE_ID) are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, postgres.Config{URL: *dbURL})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect:", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := postgres.NewCredentialRepo(db, *deviceID)
	if err := repo.Delete(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to delete credentials:", err)
		os.Exit(1)
	}

	fmt.Printf("Credentials for device %s wiped; the bridge will pair on next start\n", *deviceID)
}
