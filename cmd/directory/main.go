package main

import (
	"log"
	"net/http"
	"time"

	"consensus-room/internal/config"
	"consensus-room/internal/directory"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.DirectoryAddr,
		Handler:           directory.NewServer(directory.NewMemory()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("directory listening on %s", cfg.DirectoryAddr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
