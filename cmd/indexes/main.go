package main

import (
	"context"
	"log"

	"capturelab/internal/config"
	"capturelab/internal/database"
	"capturelab/internal/session"
)

func main() {
	log.Println("Ensuring session store indexes...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store, err := session.NewMongoStore(db.GetDatabase())
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}

	if err := store.EnsureIndexes(context.Background()); err != nil {
		log.Fatalf("Failed to ensure indexes: %v", err)
	}

	log.Println("Session store indexes ensured successfully!")
}
