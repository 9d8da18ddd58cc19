package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"consensus-room/internal/app"
	"consensus-room/internal/config"
	"consensus-room/internal/console"
)

func main() {
	room := flag.String("room", "", "room code")
	name := flag.String("name", "", "display name")
	envFile := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *name == "" {
		*name, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Enter your name").Show()
		pterm.Println()
	}
	if *room == "" {
		*room, _ = pterm.DefaultInteractiveTextInput.WithDefaultText("Enter the room code").Show()
		pterm.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, cfg, app.Options{
		ServiceName: "consensus-room-peer",
		PlayerName:  *name,
	})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	term := console.New(rt.Session, os.Stdout)
	term.Attach(rt.Bus)

	spinner, _ := pterm.DefaultSpinner.Start("joining room " + *room + "...")
	if err := rt.Session.Join(ctx, *room, *name); err != nil {
		spinner.Fail(err.Error())
		return
	}
	spinner.Success()
	pterm.Info.Println("type help for commands")

	if err := term.Run(ctx, os.Stdin); err != nil {
		log.Printf("console: %v", err)
	}
}
