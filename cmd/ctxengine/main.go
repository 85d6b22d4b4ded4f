// Command ctxengine is the composition root for the Context Preparation
// Engine: it wires the index, relevance filter, memory store, cache,
// coordinator, monitor bus, background scheduler, and context manager
// together and either serves a single debug Prepare call or runs the
// background scheduler until a shutdown signal arrives. Grounded on the
// teacher's cmd/cliaimonitor/main.go composition-root wiring style
// (flag parsing, base-path resolution, ordered component construction,
// a printed banner, signal-based graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CLIAIMONITOR/ctxengine/internal/cache"
	"github.com/CLIAIMONITOR/ctxengine/internal/contextcfg"
	"github.com/CLIAIMONITOR/ctxengine/internal/contextmgr"
	"github.com/CLIAIMONITOR/ctxengine/internal/coordinator"
	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
	"github.com/CLIAIMONITOR/ctxengine/internal/index"
	"github.com/CLIAIMONITOR/ctxengine/internal/memory"
	"github.com/CLIAIMONITOR/ctxengine/internal/monitor"
	"github.com/CLIAIMONITOR/ctxengine/internal/relevance"
	"github.com/CLIAIMONITOR/ctxengine/internal/scheduler"
)

func main() {
	root := flag.String("root", ".", "Project root directory to index")
	configPath := flag.String("config", "configs/ctxengine.yaml", "Context engine configuration file")
	natsPort := flag.Int("nats-port", 0, "Embedded NATS port for the monitor bridge (0 disables the bridge)")
	dashboardPort := flag.Int("dashboard-port", 0, "HTTP port for the diagnostics dashboard (0 disables it)")

	requestRole := flag.String("role", "", "Debug mode: agent role for a single Prepare call")
	requestStory := flag.String("story", "", "Debug mode: story ID for a single Prepare call")
	requestTask := flag.String("task", "", "Debug mode: task description for a single Prepare call")
	requestFiles := flag.String("files", "", "Debug mode: comma-separated explicit file paths")
	flag.Parse()

	basePath, err := getBasePath(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to determine base path: %v\n", err)
		os.Exit(1)
	}

	if !filepath.IsAbs(*configPath) {
		*configPath = filepath.Join(basePath, *configPath)
	}
	cfg, err := contextcfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	stateDir := cfg.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(basePath, stateDir)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state directory: %v\n", err)
		os.Exit(1)
	}

	memStore := memory.New(stateDir)

	var idx *index.Index
	var rel *relevance.Filter
	if cfg.EnableIntelligence {
		idx = index.New(index.Options{
			RootDir:        basePath,
			IgnorePatterns: cfg.IgnorePatterns,
			MaxFileBytes:   cfg.MaxFileBytes,
			MaxFileTokens:  cfg.MaxFileTokens,
		})
		if err := idx.Build(false); err != nil {
			fmt.Fprintf(os.Stderr, "failed to build index: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Index built (%d files)\n", len(idx.Files()))
		rel = relevance.New(idx, memStore)
	} else {
		fmt.Println("  Intelligence disabled: candidate gathering falls back to a filtered filesystem walk")
	}

	ch := cache.New(cache.Options{
		TTL:        time.Duration(cfg.CacheTTLSeconds) * time.Second,
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   int64(cfg.CacheMaxMB) * 1024 * 1024,
		Strategy:   cache.EvictionStrategy(toLowerASCII(string(cfg.CacheStrategy))),
	})

	var coord *coordinator.Coordinator
	if cfg.EnableCrossStory {
		coord = coordinator.New(ch, memStore)
	}

	bus := monitor.NewBus()
	var bridge *monitor.Bridge
	bridgeStop := make(chan struct{})
	if cfg.EnableMonitoring && *natsPort != 0 {
		bridge, err = monitor.NewBridge(monitor.BridgeConfig{Port: *natsPort, NoLog: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to start monitor bridge: %v\n", err)
		} else {
			bridge.Attach(bus, bridgeStop)
			fmt.Printf("  Monitor bridge listening at %s\n", bridge.ClientURL())
		}
	}

	mgr := contextmgr.New(contextmgr.Options{
		RootDir:               basePath,
		EnableIntelligence:    cfg.EnableIntelligence,
		IgnorePatterns:        cfg.IgnorePatterns,
		MaxPreparationSeconds: cfg.MaxPreparationSeconds,
	}, idx, rel, memStore, ch, nil, coord, bus)

	sched := scheduler.New(scheduler.Options{
		Workers:             cfg.BackgroundWorkers,
		MaintenanceInterval: time.Duration(cfg.MaintenanceIntervalSeconds) * time.Second,
	}, mgr.DefaultHandlers())
	mgr.AttachScheduler(sched)

	fmt.Println("  Components initialized")

	var dashboard *monitor.DashboardServer
	var dashboardSrv *http.Server
	if cfg.EnableMonitoring && *dashboardPort != 0 {
		dashboard = monitor.NewDashboardServer(bus)
		dashboardSrv = &http.Server{Addr: fmt.Sprintf(":%d", *dashboardPort), Handler: dashboard.Handler()}
		go func() {
			if err := dashboardSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "dashboard server error: %v\n", err)
			}
		}()
		fmt.Printf("  Dashboard ready at http://localhost:%d/api/dashboard\n", *dashboardPort)
	}

	if *requestTask != "" {
		runDebugRequest(mgr, *requestRole, *requestStory, *requestTask, *requestFiles)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	fmt.Println("  Background scheduler started")

	seedMaintenanceTask(sched, stateDir)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	fmt.Println()
	fmt.Println("Shutting down (signal received)...")
	cancel()
	sched.Stop()
	close(bridgeStop)
	if bridge != nil {
		bridge.Shutdown()
	}
	if dashboard != nil {
		dashboard.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		dashboardSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	fmt.Println("Goodbye!")
}

func runDebugRequest(mgr *contextmgr.Manager, role, story, task, filesCSV string) {
	var files []string
	if filesCSV != "" {
		files = splitCSV(filesCSV)
	}
	req := ctxtypes.ContextRequest{
		AgentRole: ctxtypes.AgentRole(role),
		StoryID:   story,
		Task:      ctxtypes.NewFreeformTask(task, files...),
		MaxTokens: 8000,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := mgr.Prepare(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare failed: %v\n", err)
		os.Exit(1)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal context: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func seedMaintenanceTask(sched *scheduler.Scheduler, stateDir string) {
	sched.SubmitTask(&scheduler.Task{
		Kind:     ctxtypes.TaskMaintenance,
		Priority: ctxtypes.PriorityLow,
		Payload:  map[string]string{"state_dir": stateDir},
	})
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// getBasePath resolves root to an absolute path; when root is left at its
// default it returns the current working directory.
func getBasePath(root string) (string, error) {
	if root != "." && root != "" {
		return filepath.Abs(root)
	}
	return os.Getwd()
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ================================================")
	fmt.Println("  |          ctxengine - Context Prep Engine     |")
	fmt.Println("  ================================================")
	fmt.Println()
}
