package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/packtrail-data/packtrail/internal/api"
	"github.com/packtrail-data/packtrail/internal/config"
	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/manager"
	"github.com/packtrail-data/packtrail/internal/notify"
	"github.com/packtrail-data/packtrail/internal/telemetry"
	"github.com/packtrail-data/packtrail/internal/timeutil"
	"github.com/packtrail-data/packtrail/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "Print version and exit")

	devMode    = flag.Bool("dev", false, "Replay telemetry from a fixtures file instead of connecting upstream")
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "", "SQLite database path (default $PACKTRAIL_DB or packtrail.db)")
	tuningFile = flag.String("tuning", "", "Optional tuning config JSON path")
	fixtures   = flag.String("fixtures", "fixtures.json", "Fixtures file for -dev mode")
)

func databasePath() string {
	if *dbFile != "" {
		return *dbFile
	}
	if p := os.Getenv("PACKTRAIL_DB"); p != "" {
		return p
	}
	return "packtrail.db"
}

func openDatabase() *db.DB {
	database, err := db.Open(databasePath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	return database
}

func loadTuning() *config.TuningConfig {
	path := *tuningFile
	if path == "" {
		path = os.Getenv("PACKTRAIL_TUNING")
	}
	if path == "" {
		return config.EmptyTuningConfig()
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	return cfg
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("packtrail %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	if args := flag.Args(); len(args) > 0 {
		runCommand(args)
		return
	}
	serve()
}

func serve() {
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	database := openDatabase()
	defer database.Close()
	cfg := loadTuning()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier notify.Notifier = notify.Nop{}
	if addr := os.Getenv("PACKTRAIL_REDIS_ADDR"); addr != "" {
		rn, err := notify.NewRedisNotifier(ctx, addr, os.Getenv("PACKTRAIL_REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("failed to connect live-state notifier: %v", err)
		}
		notifier = rn
	}
	defer notifier.Close()

	var factory telemetry.Factory
	if *devMode {
		var err error
		factory, err = fixtureFactory(*fixtures)
		if err != nil {
			log.Fatalf("failed to load fixtures: %v", err)
		}
	} else {
		providerURL := os.Getenv("PACKTRAIL_TELEMETRY_URL")
		if providerURL == "" {
			log.Fatal("PACKTRAIL_TELEMETRY_URL is required (or run with -dev)")
		}
		factory = func(token string) telemetry.Client {
			return telemetry.NewWSClient(providerURL, token)
		}
	}

	mgr := manager.New(database, cfg, timeutil.RealClock{}, factory, notifier)
	mgr.ImageBaseURL = os.Getenv("PACKTRAIL_IMAGE_BASE_URL")
	mgr.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)

		apiMux := api.NewServer(database).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/charts/", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	<-ctx.Done()
	mgr.Stop()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
