package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabrelay/tabrelay/internal/api"
	"github.com/tabrelay/tabrelay/internal/bridge"
	"github.com/tabrelay/tabrelay/internal/browser"
	"github.com/tabrelay/tabrelay/internal/config"
	"github.com/tabrelay/tabrelay/internal/notify"
	"github.com/tabrelay/tabrelay/internal/ratelimit"
	"github.com/tabrelay/tabrelay/internal/relay"
	"github.com/tabrelay/tabrelay/internal/storage"
	"github.com/tabrelay/tabrelay/internal/surface"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println("Starting tabrelay...")

	// Select the execution surface binding for this deployment.
	var (
		surf      surface.Surface
		bridgeHub *bridge.Hub
		launcher  *browser.Launcher
		instance  *browser.Instance
	)
	switch cfg.Surface {
	case config.SurfaceBridge:
		bridgeHub = bridge.NewHub(cfg.CommandTimeout)
		surf = bridgeHub
		log.Println("✓ Extension bridge surface initialized")
	case config.SurfacePlaywright:
		connectURL := ""
		if cfg.DockerBrowser {
			launcher, err = browser.NewLauncher()
			if err != nil {
				log.Fatalf("Failed to create browser launcher: %v", err)
			}
			defer launcher.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			log.Println("⏳ Ensuring Chrome image is available...")
			if err := launcher.EnsureImage(ctx); err != nil {
				cancel()
				log.Fatalf("Failed to ensure image: %v", err)
			}
			instance, err = launcher.Launch(ctx, "shared")
			cancel()
			if err != nil {
				log.Fatalf("Failed to launch browser container: %v", err)
			}
			connectURL = instance.ConnectURL
			log.Printf("✓ Chrome container ready at %s", connectURL)
		}

		pw, err := surface.NewPlaywrightSurface(connectURL)
		if err != nil {
			log.Fatalf("Failed to start playwright surface: %v", err)
		}
		surf = pw
		log.Println("✓ Playwright surface initialized")
	}

	// Core relay components.
	registry := relay.NewRegistry(surf, cfg.MaxSessionsPerClient)
	directory := relay.NewDirectory()
	events := notify.NewHub()
	registry.AddStateListener(events.SessionChanged)
	log.Println("✓ Session registry and client directory initialized")

	shots, err := storage.NewScreenshotStore(cfg.ScreenshotDir)
	if err != nil {
		log.Fatalf("Failed to create screenshot store: %v", err)
	}
	log.Printf("✓ Screenshot store at %s", cfg.ScreenshotDir)

	router := relay.NewRouter(registry, directory, surf, shots, relay.RouterConfig{
		ElementWait:     cfg.ElementWait,
		NavigateTimeout: cfg.NavigateTimeout,
		CommandTimeout:  cfg.CommandTimeout,
	})
	log.Println("✓ Command router initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.Burst)
	log.Printf("✓ Rate limiter initialized (%d req/hour per client)", cfg.RequestsPerHour)

	handler := api.NewHandler(router, shots)
	routes := handler.SetupRoutes(bridgeHub, events, rateLimiter, cfg.RequestsPerHour)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      routes,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Addr)
		log.Printf("📍 Control API at http://localhost%s/v1", cfg.Addr)
		log.Printf("🧭 Surface: %s", cfg.Surface)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Registry first so open tabs are released before the surface stops.
	registry.CloseAll(ctx)
	if err := surf.Shutdown(ctx); err != nil {
		log.Printf("Surface shutdown: %v", err)
	}
	if launcher != nil && instance != nil {
		if err := launcher.Stop(ctx, instance.ContainerID); err != nil {
			log.Printf("Failed to stop browser container: %v", err)
		}
	}

	log.Println("✅ Server stopped cleanly")
}
