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
	name := flag.String("name", "Host", "display name")
	envFile := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, cfg, app.Options{
		ServiceName:    "consensus-room-host",
		PlayerName:     *name,
		Listen:         true,
		ServeDirectory: true,
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

	code, err := rt.Session.Create(ctx, *name)
	if err != nil {
		log.Printf("create room failed: %v", err)
		return
	}
	pterm.Info.Printfln("room code %s, address %s", pterm.LightYellow(code), rt.Transport.Addr())
	if rt.DirectoryURL != "" {
		pterm.Info.Printfln("guests need DIRECTORY_URL=%s", rt.DirectoryURL)
	}
	pterm.Info.Println("type help for commands")

	if err := term.Run(ctx, os.Stdin); err != nil {
		log.Printf("console: %v", err)
	}
}
