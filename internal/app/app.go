// Package app assembles a runnable peer from configuration: transport,
// directory, session, plus the optional journal and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"consensus-room/internal/config"
	"consensus-room/internal/db"
	"consensus-room/internal/directory"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/journal"
	"consensus-room/internal/session"
	"consensus-room/internal/telemetry"
	"consensus-room/internal/transport"
)

var ErrNoDirectory = errors.New("DIRECTORY_URL is not set")

type Options struct {
	ServiceName string
	PlayerName  string

	// Listen serves inbound peer links on ListenAddr. Only hosts need it.
	Listen bool

	// ServeDirectory runs an in-process directory on DirectoryAddr when
	// DIRECTORY_URL is empty.
	ServeDirectory bool
}

// Runtime owns everything Start created. Close releases it in reverse order.
type Runtime struct {
	Session   *session.Session
	Transport *transport.WSTransport
	Directory directory.Directory
	Bus       *eventbus.Bus

	// DirectoryURL is the base URL of the in-process directory, if any.
	DirectoryURL string

	closeOnce sync.Once
	closers   []func(context.Context) error
}

func Start(ctx context.Context, cfg config.Config, opts Options) (rt *Runtime, err error) {
	sessCfg, err := cfg.Session()
	if err != nil {
		return nil, err
	}
	rt = &Runtime{Bus: eventbus.New()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, opts.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return rt, fmt.Errorf("setup tracing: %w", err)
	}
	rt.push(shutdownTracing)

	if cfg.DatabaseURL != "" {
		if err := rt.startJournal(cfg, opts.PlayerName); err != nil {
			return rt, err
		}
	}

	if err := rt.setupDirectory(cfg, opts.ServeDirectory); err != nil {
		return rt, err
	}

	tr := transport.NewWS(session.NewPeerID())
	rt.Transport = tr
	rt.push(func(context.Context) error { return tr.Close() })
	if opts.Listen {
		if err := tr.Listen(cfg.ListenAddr, cfg.PublicAddr); err != nil {
			return rt, err
		}
	}

	sess, err := session.New(sessCfg, tr, rt.Directory, rt.Bus)
	if err != nil {
		return rt, err
	}
	rt.Session = sess
	rt.push(sess.Leave)
	return rt, nil
}

func (rt *Runtime) startJournal(cfg config.Config, playerName string) error {
	conn, err := db.Open(cfg.DatabaseURL, cfg.DBPool())
	if err != nil {
		return fmt.Errorf("open journal db: %w", err)
	}
	rt.push(func(context.Context) error { return closeDB(conn) })
	if err := db.Migrate(conn); err != nil {
		return fmt.Errorf("migrate journal db: %w", err)
	}

	j := journal.New(journal.NewGormStore(conn), journal.WithPlayerName(playerName))
	sub := j.Attach(rt.Bus)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(runCtx)
		close(done)
	}()
	rt.push(func(ctx context.Context) error {
		rt.Bus.Off(sub)
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	log.Printf("journal enabled")
	return nil
}

func (rt *Runtime) setupDirectory(cfg config.Config, serve bool) error {
	if cfg.DirectoryURL != "" {
		rt.Directory = directory.NewClient(cfg.DirectoryURL, nil)
		return nil
	}
	if !serve {
		return ErrNoDirectory
	}
	mem := directory.NewMemory()
	listener, err := net.Listen("tcp", cfg.DirectoryAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.DirectoryAddr, err)
	}
	server := &http.Server{
		Handler:           directory.NewServer(mem).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("directory serve failed addr=%s err=%v", cfg.DirectoryAddr, err)
		}
	}()
	rt.push(server.Shutdown)
	rt.Directory = mem
	rt.DirectoryURL = "http://" + listener.Addr().String()
	log.Printf("directory listening addr=%s", listener.Addr())
	return nil
}

func (rt *Runtime) push(closer func(context.Context) error) {
	rt.closers = append(rt.closers, closer)
}

// Close leaves the session and shuts down everything Start created.
func (rt *Runtime) Close(ctx context.Context) error {
	var errList []error
	rt.closeOnce.Do(func() {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](ctx); err != nil {
				errList = append(errList, err)
			}
		}
	})
	return errors.Join(errList...)
}

func closeDB(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
