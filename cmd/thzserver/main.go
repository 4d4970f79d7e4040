// Command thzserver exposes the scan engine over HTTP and keeps every
// finished scan in a SQLite store.
//
// Usage:
//
//	thzserver [flags]
//	thzserver [flags] migrate <up|down|status|version N|force N>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/thz.scan/internal/api"
	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/db"
	"github.com/banshee-data/thz.scan/internal/rig"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/timeutil"
	"github.com/banshee-data/thz.scan/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run with the simulated controller and detector")
	listen       = flag.String("listen", ":8080", "Listen address")
	dbPath       = flag.String("db", "thz_scans.db", "Scan store path")
	defaultsPath = flag.String("defaults", config.DefaultConfigPath, "Scan defaults file")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("thzserver %s\n", version.String())
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	defaults, err := loadDefaults(*defaultsPath)
	if err != nil {
		log.Fatalf("failed to load scan defaults: %v", err)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bench := rig.New(rig.Options{Dev: *devMode})
	defer bench.Close()
	if !*devMode && defaults.GetSource() == config.SourceSerial {
		// open the lock-in now so the serial console works before the first scan
		if _, err := bench.Source(ctx, defaults); err != nil {
			log.Printf("lock-in not available yet: %v", err)
		}
	}

	apiServer := api.NewServer(scan.NewEngine(timeutil.RealClock{}), store, defaults)
	apiServer.Prepare = bench.Prepare

	handler, err := newHandler(apiServer, store, bench)
	if err != nil {
		log.Fatalf("failed to mount routes: %v", err)
	}

	log.Printf("thzserver %s listening on %s", version.String(), *listen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: handler,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		// a running scan finishes its current point and is stored
		apiServer.Shutdown()
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// newHandler mounts the API and the admin debugging routes (accessible only
// from localhost or over Tailscale).
func newHandler(apiServer *api.Server, store *db.DB, bench *rig.Rig) (http.Handler, error) {
	mux := apiServer.ServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	bench.AttachAdminRoutes(mux)
	return api.LoggingMiddleware(mux), nil
}

func loadDefaults(path string) (*config.ScanFile, error) {
	file, err := config.LoadScanFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("no defaults at %s, using built-in values", path)
		return &config.ScanFile{}, nil
	}
	return file, err
}
