// Package config reads server configuration from the environment, with a
// .env file as an optional local override.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Surface names the execution surface binding a deployment selects.
type Surface string

const (
	// SurfacePlaywright drives browsers server-side through the
	// playwright driver.
	SurfacePlaywright Surface = "playwright"
	// SurfaceBridge relays commands to browser extensions on client
	// machines over websocket.
	SurfaceBridge Surface = "bridge"
)

// Config carries every tunable the server wires at startup.
type Config struct {
	Addr          string
	Surface       Surface
	ScreenshotDir string

	// DockerBrowser runs Chrome in a managed container and attaches the
	// playwright surface to it over CDP.
	DockerBrowser bool

	MaxSessionsPerClient int64
	RequestsPerHour      int
	Burst                int

	ElementWait     time.Duration
	NavigateTimeout time.Duration
	CommandTimeout  time.Duration
}

// Load reads configuration, applying defaults for anything unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := Config{
		Addr:                 envOr("RELAY_ADDR", ":8080"),
		Surface:              Surface(envOr("RELAY_SURFACE", string(SurfaceBridge))),
		ScreenshotDir:        envOr("RELAY_SCREENSHOT_DIR", "./storage/screenshots"),
		DockerBrowser:        os.Getenv("RELAY_DOCKER_BROWSER") == "true",
		MaxSessionsPerClient: envInt64Or("RELAY_MAX_SESSIONS_PER_CLIENT", 10),
		RequestsPerHour:      int(envInt64Or("RELAY_REQUESTS_PER_HOUR", 100)),
		Burst:                int(envInt64Or("RELAY_BURST", 10)),
		ElementWait:          envDurationOr("RELAY_ELEMENT_WAIT", 10*time.Second),
		NavigateTimeout:      envDurationOr("RELAY_NAVIGATE_TIMEOUT", 30*time.Second),
		CommandTimeout:       envDurationOr("RELAY_COMMAND_TIMEOUT", 15*time.Second),
	}

	switch cfg.Surface {
	case SurfacePlaywright, SurfaceBridge:
	default:
		return Config{}, fmt.Errorf("unknown RELAY_SURFACE %q (want %q or %q)",
			cfg.Surface, SurfacePlaywright, SurfaceBridge)
	}
	if cfg.DockerBrowser && cfg.Surface != SurfacePlaywright {
		return Config{}, fmt.Errorf("RELAY_DOCKER_BROWSER requires RELAY_SURFACE=%s", SurfacePlaywright)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
