// ABOUTME: Entry point for the muster coordination server
// ABOUTME: Coordinates terminal-based agents: tasks, approvals, recovery

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389/muster/internal/api"
	"github.com/2389/muster/internal/bridge"
	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/config"
	"github.com/2389/muster/internal/lifecycle"
	"github.com/2389/muster/internal/recovery"
	"github.com/2389/muster/internal/rules"
	"github.com/2389/muster/internal/session"
	"github.com/2389/muster/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___  _   _ ___| |_ ___ _ __
| '_ ' _ \| | | / __| __/ _ \ '__|
| | | | | | |_| \__ \ ||  __/ |
|_| |_| |_|\__,_|___/\__\___|_|
`

// getConfigPath returns the path to the muster config file.
// Priority: MUSTER_CONFIG env var > XDG_CONFIG_HOME/muster/config.yaml > ~/.config/muster/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MUSTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muster", "config.yaml")
}

// getDataPath returns the path to the muster data directory.
// Priority: XDG_DATA_HOME/muster > ~/.local/share/muster
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "muster")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: muster <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the coordination server")
		fmt.Println("  init     Create a default config file")
		fmt.Println("  health   Check server health")
		fmt.Println("  agents   List registered agents")
		fmt.Println("  tasks    List tasks")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "tasks":
		err = runTasks(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Rules:     %s\n", cfg.Rules.Path)
	if cfg.NATS.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      ")
		cyan.Print(cfg.NATS.URL)
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting muster",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	// Persistence
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Event bus, optionally mirrored to NATS
	eventBus := bus.New(logger)
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer mirror.Close()
		eventBus.AttachMirror(mirror)
	}

	// Approval rules, optionally hot-reloaded
	ruleTable, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if cfg.Rules.Watch {
		go func() {
			if err := ruleTable.Watch(ctx); err != nil {
				logger.Error("rules watcher stopped", "error", err)
			}
		}()
	}

	// Agent session bridge over tmux
	surface := session.NewTmuxSurface()
	br := bridge.New(surface, bridge.Options{
		SubmitDelay:    cfg.Bridge.SubmitDelay,
		PollInterval:   cfg.Bridge.PollInterval,
		DefaultTimeout: cfg.Bridge.DefaultTimeout,
	})

	// Lifecycle manager
	mgr := lifecycle.New(st, eventBus, br, ruleTable, lifecycle.Options{
		DefaultTaskTimeout: cfg.Bridge.DefaultTimeout,
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting lifecycle manager: %w", err)
	}
	defer mgr.Stop()

	// Recovery monitor
	mon := recovery.New(st, mgr, recovery.Options{
		Interval:         cfg.Recovery.Interval,
		HeartbeatTimeout: cfg.Recovery.HeartbeatTimeout,
		TaskTimeout:      cfg.Recovery.TaskTimeout,
		RequestTimeout:   cfg.Recovery.RequestTimeout,
	})
	go mon.Run(ctx)

	// HTTP API
	server := api.New(cfg.Server.HTTPAddr, st, mgr, eventBus)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// File logging rotates; console logging colorizes.
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		if cfg.Format == "json" {
			return slog.New(slog.NewJSONHandler(rotator, opts))
		}
		return slog.New(slog.NewTextHandler(rotator, opts))
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runInit writes a default config file if none exists.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	rulesPath := filepath.Join(filepath.Dir(configPath), "rules.toml")
	configContent := fmt.Sprintf(`# muster configuration
# Generated by muster init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

bridge:
  submit_delay: "150ms"
  poll_interval: "500ms"
  default_timeout: "5m"

recovery:
  interval: "30s"
  heartbeat_timeout: "2m"
  task_timeout: "5m"
  request_timeout: "10m"

rules:
  path: "%s"
  watch: true

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "muster.db"), rulesPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Printf("  ✓ Created config: %s\n", configPath)

	if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
		rulesContent := `# muster approval rules
# First matching rule wins. Critical risk is never auto-approved.

default_risk = "medium"

[[rule]]
request_type = "shell"
pattern = "^(ls|cat|grep|head|tail|pwd)\\b"
risk = "low"
auto_approve = true

[[rule]]
pattern = "rm\\s+-rf"
risk = "critical"
`
		if err := os.WriteFile(rulesPath, []byte(rulesContent), 0644); err != nil {
			return fmt.Errorf("writing rules file: %w", err)
		}
		green.Printf("  ✓ Created rules:  %s\n", rulesPath)
	}

	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	body, err := apiGet(ctx, "/api/agents")
	if err != nil {
		return err
	}

	var parsed struct {
		Agents []api.AgentResponse `json:"agents"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(parsed.Agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, a := range parsed.Agents {
		task := "-"
		if a.CurrentTaskID != nil {
			task = *a.CurrentTaskID
		}
		fmt.Printf("%-20s %-8s task=%s heartbeat=%s\n", a.Name, a.Status, task, a.LastHeartbeat)
	}
	return nil
}

func runTasks(ctx context.Context) error {
	path := "/api/tasks"
	if len(os.Args) > 2 {
		path += "?status=" + os.Args[2]
	}
	body, err := apiGet(ctx, path)
	if err != nil {
		return err
	}

	var parsed struct {
		Tasks []api.TaskResponse `json:"tasks"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(parsed.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range parsed.Tasks {
		agent := "-"
		if t.AssignedAgent != nil {
			agent = *t.AssignedAgent
		}
		fmt.Printf("%-36s %-12s %-8s agent=%-12s %s\n", t.ID, t.Status, t.Priority, agent, t.Description)
	}
	return nil
}

func apiGet(ctx context.Context, path string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
