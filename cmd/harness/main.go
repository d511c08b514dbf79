// REPRL Harness - coverage-guided fuzzing execution layer
// Drives an instrumented target over REPRL/forkserver, tracks edge
// coverage in shared memory, and reports crashes.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/googleprojectzero/fuzzilli/internal/cluster"
	"github.com/googleprojectzero/fuzzilli/internal/config"
	"github.com/googleprojectzero/fuzzilli/internal/datachannel"
	"github.com/googleprojectzero/fuzzilli/internal/forkserver"
	"github.com/googleprojectzero/fuzzilli/internal/harness"
	"github.com/googleprojectzero/fuzzilli/internal/memory"
	"github.com/googleprojectzero/fuzzilli/internal/parallel"
	"github.com/googleprojectzero/fuzzilli/internal/report"
	"github.com/googleprojectzero/fuzzilli/internal/ui"
	"github.com/googleprojectzero/fuzzilli/internal/web"
	"github.com/googleprojectzero/fuzzilli/pkg/types"
)

var (
	version = "0.1.0-dev"

	// CLI flags
	targetBinary string
	corpusDir    string
	workers      int
	timeoutSec   int
	configFile   string
	outputFile   string
	reportFormat string
	verbose      bool
	tuiMode      bool
	webMode      bool
	webPort      string
	rateLimit    int

	masterAddr string
	listenAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "REPRL Harness - coverage-guided fuzzing execution layer",
		Long: `harness drives an instrumented target binary over the REPRL
protocol (or an alternate forkserver strategy), collects shared-memory
edge coverage, and reports crashes.

Features:
  - REPRL child process reuse across executions
  - Shared-memory edge coverage bitmap
  - Bounded worker pool for concurrent execution
  - TUI and web dashboards
  - Distributed execution across a cluster of workers`,
		Run: runHarness,
	}

	rootCmd.Flags().StringVarP(&targetBinary, "target", "t", "", "Path to the instrumented target binary")
	rootCmd.Flags().StringVarP(&corpusDir, "corpus", "d", "", "Directory of scripts to execute")
	rootCmd.Flags().IntVarP(&workers, "workers", "n", 0, "Number of concurrent worker processes")
	rootCmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Per-execution timeout in seconds")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Report output file path")
	rootCmd.Flags().StringVar(&reportFormat, "format", "json", "Report format: json, html, markdown")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.Flags().BoolVar(&tuiMode, "tui", false, "Start the TUI dashboard while running")
	rootCmd.Flags().BoolVar(&webMode, "web", false, "Start web dashboard mode")
	rootCmd.Flags().StringVar(&webPort, "port", ":9090", "Web dashboard port")
	rootCmd.Flags().IntVar(&rateLimit, "rate", 0, "Cap corpus dispatch to this many executions/sec (0 = unlimited)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("harness version %s\n", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	webCmd := &cobra.Command{
		Use:   "web",
		Short: "Start web dashboard",
		Run:   runWebDashboard,
	}
	webCmd.Flags().StringVarP(&webPort, "port", "p", ":9090", "Web dashboard port")
	webCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")
	rootCmd.AddCommand(webCmd)

	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run a distributed cluster coordinator or worker node",
	}

	masterCmd := &cobra.Command{
		Use:   "master",
		Short: "Run the cluster coordinator",
		Run:   runClusterMaster,
	}
	masterCmd.Flags().StringVar(&listenAddr, "listen", ":9000", "Address the coordinator listens on")
	clusterCmd.AddCommand(masterCmd)

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a cluster worker node",
		Run:   runClusterWorker,
	}
	workerCmd.Flags().StringVar(&masterAddr, "master", "localhost:9000", "Address of the cluster coordinator")
	workerCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")
	clusterCmd.AddCommand(workerCmd)

	rootCmd.AddCommand(clusterCmd)

	forkserverChildCmd := &cobra.Command{
		Use:    "forkserver-child",
		Short:  "Enter the forkserver supervisor loop (for use by an instrumented target binary)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			// Main only returns in the freshly forked grandchild; the
			// supervisor process loops inside it until the coordinator
			// closes its control pipe.
			forkserver.Main()
		},
	}
	rootCmd.AddCommand(forkserverChildCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════════════════╗")
	fmt.Println("  ║   ██████╗ ███████╗██████╗ ██████╗ ██╗                ║")
	fmt.Println("  ║   ██╔══██╗██╔════╝██╔══██╗██╔══██╗██║   REPRL         ║")
	fmt.Println("  ║   ██████╔╝█████╗  ██████╔╝██████╔╝██║   Harness       ║")
	fmt.Println("  ║   ██╔══██╗██╔══╝  ██╔═══╝ ██╔══██╗██║                 ║")
	fmt.Println("  ║   ██║  ██║███████╗██║     ██║  ██║███████╗ v" + version + "     ║")
	fmt.Println("  ║   ╚═╝  ╚═╝╚══════╝╚═╝     ╚═╝  ╚═╝╚══════╝            ║")
	fmt.Println("  ╚══════════════════════════════════════════════════════╝")
	fmt.Println()
}

// loadConfig builds the effective configuration from a config file (if
// given) overlaid with any flags the caller passed explicitly.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		c, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}

	if targetBinary != "" {
		cfg.Target.Binary = targetBinary
	}
	if corpusDir != "" {
		cfg.Output.CorpusDir = corpusDir
	}
	if workers > 0 {
		cfg.Execution.Workers = workers
	}
	if cfg.Execution.Workers <= 0 {
		cfg.Execution.Workers = 1
	}
	if timeoutSec > 0 {
		cfg.Execution.Timeout = time.Duration(timeoutSec) * time.Second
	}
	if cfg.Target.Binary == "" {
		return nil, fmt.Errorf("no target binary specified; use --target or --config")
	}
	return cfg, nil
}

func runHarness(cmd *cobra.Command, args []string) {
	printBanner()

	if webMode {
		runWebDashboard(cmd, args)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Println("  [!] " + err.Error())
		fmt.Println()
		fmt.Println("  Quick start:")
		fmt.Println("    harness -t ./target -d ./corpus")
		fmt.Println()
		fmt.Println("  Or start the web dashboard:")
		fmt.Println("    harness web")
		fmt.Println()
		return
	}

	if cfg.Output.CorpusDir == "" {
		fmt.Println("  [!] No corpus directory specified. Use --corpus or --config")
		return
	}

	if verbose {
		fmt.Printf("  [*] Target: %s\n", cfg.Target.Binary)
		fmt.Printf("  [*] Workers: %d\n", cfg.Execution.Workers)
		fmt.Printf("  [*] Timeout: %s\n", cfg.Execution.Timeout)
		fmt.Printf("  [*] Corpus: %s\n", cfg.Output.CorpusDir)
	}

	fmt.Println("  [*] Spawning instrumented workers...")
	engine, err := harness.NewEngine(cfg, cfg.Execution.Workers)
	if err != nil {
		fmt.Printf("  [!] Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if tuiMode {
		runWithDashboard(cfg, engine, sigChan)
		return
	}

	runHeadless(cfg, engine, sigChan)
}

// scriptResult pairs one corpus entry with the outcome of running it,
// for report generation after the run.
type scriptResult struct {
	name   string
	result types.ExecResult
}

// corpusJob pairs one corpus file with the script bytes it read, for
// dispatch into the headless run's worker pool.
type corpusJob struct {
	name   string
	script []byte
}

func runHeadless(cfg *config.Config, engine *harness.Engine, sigChan chan os.Signal) {
	entries, err := os.ReadDir(cfg.Output.CorpusDir)
	if err != nil {
		fmt.Printf("  [!] Failed to read corpus: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("  [*] Running %d scripts against %s\n", len(entries), cfg.Target.Binary)

	start := time.Now()

	// engine itself fans out across cfg.Execution.Workers child processes,
	// but that fan-out only happens if the caller actually has that many
	// Submit calls in flight at once. parallel.WorkerPool supplies that:
	// it keeps Workers goroutines pulling corpus entries concurrently
	// instead of driving the whole run through one Submit-at-a-time loop.
	poolCfg := &parallel.WorkerPoolConfig{
		MinWorkers:         cfg.Execution.Workers,
		MaxWorkers:         cfg.Execution.Workers,
		QueueSize:          len(entries) + 1,
		ScaleInterval:      time.Second,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
	}
	pool := parallel.NewWorkerPool(poolCfg, func(ctx context.Context, task parallel.Task) parallel.Result {
		job := task.Payload.(corpusJob)
		result, err := engine.Submit(job.script, false)
		return parallel.Result{TaskID: task.ID, Output: scriptResult{name: job.name, result: result}, Error: err}
	})
	defer pool.Stop()

	// --rate caps how fast new corpus entries are dispatched into the
	// pool, independent of how many worker goroutines are draining it;
	// the pool's own MinWorkers/MaxWorkers bound concurrency, not throughput.
	var limiter *parallel.RateLimiter
	if rateLimit > 0 {
		limiter = parallel.NewRateLimiter(time.Second/time.Duration(rateLimit), rateLimit)
	}

	var mu sync.Mutex
	var results []scriptResult
	var wg sync.WaitGroup

	done := make(chan struct{})
	go func() {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if limiter != nil {
				limiter.Wait(context.Background())
			}
			path := filepath.Join(cfg.Output.CorpusDir, entry.Name())
			script, err := memory.ReadFile(path, datachannel.MaxSize)
			if err != nil {
				fmt.Printf("  [!] skipping %s: %v\n", entry.Name(), err)
				continue
			}

			wg.Add(1)
			go func(job corpusJob) {
				defer wg.Done()
				res, err := pool.SubmitWait(context.Background(), parallel.Task{ID: job.name, Payload: job})
				if err != nil {
					fmt.Printf("  [!] exec error for %s: %v\n", job.name, err)
					return
				}
				if res.Error != nil {
					fmt.Printf("  [!] exec error for %s: %v\n", job.name, res.Error)
					return
				}
				sr := res.Output.(scriptResult)
				mu.Lock()
				results = append(results, sr)
				mu.Unlock()
				if sr.result.Status != types.ExecOK {
					fmt.Printf("  [+] %s: %s (signal=%d exit=%d)\n", sr.name, sr.result.Status, sr.result.Signal, sr.result.ExitCode)
				}
			}(corpusJob{name: entry.Name(), script: script})
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-sigChan:
		fmt.Println("\n  [*] Shutting down gracefully...")
	}

	elapsed := time.Since(start)
	fmt.Printf("\n  [*] Run complete in %s. %d executions.\n", elapsed.Round(time.Millisecond), len(results))
	if verbose {
		if tail := engine.ActivityTail(); tail != "" {
			fmt.Printf("  [*] Recent activity:\n%s", tail)
		}
	}

	writeReport(cfg, results, elapsed)
}

func runWithDashboard(cfg *config.Config, engine *harness.Engine, sigChan chan os.Signal) {
	entries, err := os.ReadDir(cfg.Output.CorpusDir)
	if err != nil {
		fmt.Printf("  [!] Failed to read corpus: %v\n", err)
		os.Exit(1)
	}

	dashboard := ui.NewDashboard()
	dashboard.SetTarget(cfg.Target.Binary)
	dashboard.Start()

	go func() {
		for alert := range engine.MemoryAlerts() {
			dashboard.AddLog("MEMORY", alert.Message)
		}
	}()

	start := time.Now()
	var results []scriptResult

	go func() {
		for _, entry := range entries {
			select {
			case <-sigChan:
				return
			default:
			}
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(cfg.Output.CorpusDir, entry.Name())
			script, err := memory.ReadFile(path, datachannel.MaxSize)
			if err != nil {
				dashboard.AddLog("ERROR", fmt.Sprintf("%s: %v", entry.Name(), err))
				continue
			}
			result, err := engine.Submit(script, false)
			if err != nil {
				dashboard.AddLog("ERROR", fmt.Sprintf("%s: %v", entry.Name(), err))
				continue
			}
			results = append(results, scriptResult{name: entry.Name(), result: result})

			stats := dashboard.GetStats()
			stats.RecordExecution(result.Status == types.ExecOK, result.Duration, result.Status == types.ExecTimedOut)
			if result.Status != types.ExecOK {
				stats.RecordCrash(result.Status.String())
				dashboard.AddLog("CRASH", fmt.Sprintf("%s: %s", entry.Name(), result.Status))
			}
		}
		snaps := engine.Snapshots()
		if len(snaps) > 0 {
			stats := dashboard.GetStats()
			stats.UpdateCoverage(snaps[0].NumEdges, snaps[0].FoundEdges)
		}
		dashboard.Complete()
	}()

	if err := ui.Run(dashboard); err != nil {
		fmt.Printf("  [!] dashboard error: %v\n", err)
	}

	writeReport(cfg, results, time.Since(start))
}

func writeReport(cfg *config.Config, results []scriptResult, elapsed time.Duration) {
	if outputFile == "" {
		return
	}

	r := report.NewReport("Harness Run", cfg.Target.Binary)

	var stats report.Statistics
	stats.Duration = elapsed
	for _, sr := range results {
		stats.TotalExecs++
		switch sr.result.Status {
		case types.ExecCrashed:
			stats.CrashCount++
			addCrash(r, sr, report.CrashSignal)
		case types.ExecTimedOut:
			stats.TimeoutCount++
			addCrash(r, sr, report.CrashTimeout)
		default:
			stats.OKCount++
		}
	}
	if elapsed > 0 {
		stats.ExecsPerSec = float64(stats.TotalExecs) / elapsed.Seconds()
	}
	r.SetStatistics(stats)

	mgr := report.NewManager(filepath.Dir(outputFile))
	f, err := os.Create(outputFile)
	if err != nil {
		fmt.Printf("  [!] Failed to write report: %v\n", err)
		return
	}
	defer f.Close()

	// A report can run to megabytes (every crash carries its triggering
	// script); chunk the write instead of handing Marshal's single giant
	// byte slice straight to one Write call.
	sw := memory.NewStreamWriter(f, nil)
	if err := mgr.WriteToWriter(r, reportFormat, sw); err != nil {
		fmt.Printf("  [!] Failed to generate report: %v\n", err)
		return
	}
	fmt.Printf("  [*] Report written to %s (%d bytes)\n", outputFile, sw.BytesWritten())
}

func addCrash(r *report.Report, sr scriptResult, crashType report.CrashType) {
	r.AddCrash(report.Crash{
		ID:          fmt.Sprintf("%s-%d", sr.name, time.Now().UnixNano()),
		Type:        crashType,
		Severity:    report.SeverityHigh,
		Target:      sr.name,
		Signal:      sr.result.Signal,
		ExitCode:    sr.result.ExitCode,
		Description: fmt.Sprintf("%s during %s", sr.result.Status, sr.name),
		Timestamp:   time.Now(),
	})
}

func runWebDashboard(cmd *cobra.Command, args []string) {
	printBanner()

	fmt.Println("  [*] Starting Web Dashboard...")
	fmt.Println()
	fmt.Printf("  Open your browser at: http://localhost%s\n", webPort)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	var engine *harness.Engine
	if cfg, err := loadConfig(); err == nil {
		e, err := harness.NewEngine(cfg, cfg.Execution.Workers)
		if err != nil {
			fmt.Printf("  [!] Failed to start engine: %v\n", err)
		} else {
			engine = e
			defer engine.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	server := web.NewServer(engine)

	go func() {
		if err := server.Start(webPort); err != nil {
			fmt.Printf("  [!] Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	fmt.Println("\n  [*] Shutting down web server...")
	server.Stop()
}

func runClusterMaster(cmd *cobra.Command, args []string) {
	printBanner()

	cfg := &cluster.ClusterConfig{
		ListenAddress:     listenAddr,
		HeartbeatInterval: 5 * time.Second,
		TaskTimeout:       30 * time.Second,
		MaxRetries:        3,
	}
	coord := cluster.NewCoordinator(cfg)

	fmt.Printf("  [*] Coordinator listening on %s\n", listenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := coord.Start(); err != nil {
			fmt.Printf("  [!] Coordinator error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	fmt.Println("\n  [*] Shutting down coordinator...")
	coord.Stop()
}

func runClusterWorker(cmd *cobra.Command, args []string) {
	printBanner()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  [!] %v\n", err)
		os.Exit(1)
	}

	engine, err := harness.NewEngine(cfg, cfg.Execution.Workers)
	if err != nil {
		fmt.Printf("  [!] Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	handler := func(ctx context.Context, task *cluster.ExecTask) (*cluster.ExecResult, error) {
		result, err := engine.Submit(task.Script, task.FreshInstance)
		if err != nil {
			return &cluster.ExecResult{TaskID: task.ID, Success: false, Error: err.Error()}, nil
		}
		return &cluster.ExecResult{
			TaskID:      task.ID,
			Success:     result.Status == types.ExecOK,
			ExitCode:    result.ExitCode,
			Signal:      result.Signal,
			Duration:    result.Duration,
			NewEdges:    result.NewEdges,
			Crashed:     result.Status != types.ExecOK,
			CompletedAt: time.Now(),
		}, nil
	}

	workerCfg := &cluster.ClusterConfig{
		MasterAddress:     masterAddr,
		HeartbeatInterval: 5 * time.Second,
	}
	w := cluster.NewWorker(workerCfg, handler)

	fmt.Printf("  [*] Worker connecting to coordinator at %s\n", masterAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := w.Start(); err != nil {
		fmt.Printf("  [!] Worker start error: %v\n", err)
		os.Exit(1)
	}

	<-sigChan
	fmt.Println("\n  [*] Shutting down worker...")
	w.Stop()
}
