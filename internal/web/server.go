// Package web provides the web dashboard server for the fuzzing harness.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/googleprojectzero/fuzzilli/internal/datachannel"
	"github.com/googleprojectzero/fuzzilli/internal/harness"
	"github.com/googleprojectzero/fuzzilli/internal/memory"
	"github.com/googleprojectzero/fuzzilli/pkg/types"
)

// Server represents the web dashboard server
type Server struct {
	app       *fiber.App
	engine    *harness.Engine
	stats     *FuzzerStats
	mu        sync.RWMutex
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan []byte

	runCancel context.CancelFunc
}

// FuzzerStats holds real-time harness execution statistics
type FuzzerStats struct {
	IsRunning     bool      `json:"isRunning"`
	Target        string    `json:"target"`
	StartTime     time.Time `json:"startTime"`
	TotalExecs    int64     `json:"totalExecs"`
	OKCount       int64     `json:"okCount"`
	CrashCount    int64     `json:"crashCount"`
	ExecsPerSec   float64   `json:"execsPerSec"`
	CrashesFound  int64     `json:"crashesFound"`
	NumEdges      uint32    `json:"numEdges"`
	FoundEdges    uint64    `json:"foundEdges"`
	CurrentScript string    `json:"currentScript"`
	ElapsedTime   string    `json:"elapsedTime"`
	Workers       int       `json:"workers"`
	HeapAllocMB   float64   `json:"heapAllocMB"`
	Goroutines    int       `json:"goroutines"`
}

// ExecLog represents a single execution log entry
type ExecLog struct {
	ID       string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Script    string    `json:"script"`
	Status    string    `json:"status"`
	Duration  int64     `json:"duration"` // milliseconds
	NewEdges  int       `json:"newEdges"`
	IsCrash   bool      `json:"isCrash"`
}

// CrashLog represents one discovered crash
type CrashLog struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Script      string    `json:"script"`
	Signal      int       `json:"signal"`
	ExitCode    int       `json:"exitCode"`
	Severity    string    `json:"severity"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
}

// NewServer creates a new web dashboard server backed by the given
// execution engine. engine may be nil; in that case /api/start will
// report an error instead of crashing.
func NewServer(engine *harness.Engine) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	server := &Server{
		app:       app,
		engine:    engine,
		stats:     &FuzzerStats{},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 100),
	}

	server.setupRoutes()
	go server.handleBroadcast()
	if engine != nil {
		go server.watchEngineMemory()
	}

	return server
}

// watchEngineMemory periodically folds the engine's own memory stats into
// the dashboard payload and relays threshold-breach alerts as log entries,
// so a leak in the harness process itself (not the fuzzed target) shows up
// in the same place operators are already watching.
func (s *Server) watchEngineMemory() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.engine.MemoryStats()
			s.mu.Lock()
			s.stats.HeapAllocMB = float64(stats.HeapAlloc) / 1024 / 1024
			s.stats.Goroutines = stats.NumGoroutine
			s.mu.Unlock()
			s.BroadcastStats()
		case alert, ok := <-s.engine.MemoryAlerts():
			if !ok {
				return
			}
			s.BroadcastLog(&ExecLog{
				ID:        fmt.Sprintf("mem-%d", time.Now().UnixNano()),
				Timestamp: time.Now(),
				Status:    alert.Message,
			})
		}
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Enable CORS
	s.app.Use(cors.New())

	// API routes
	api := s.app.Group("/api")

	// Stats endpoint
	api.Get("/stats", s.handleStats)

	// Control endpoints
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/config", s.handleConfig)

	// Logs endpoint
	api.Get("/logs", s.handleLogs)
	api.Get("/crashes", s.handleCrashes)

	// WebSocket for real-time updates
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWebSocket))

	// Serve static files (embedded dashboard)
	s.app.Get("/", s.handleDashboard)
	s.app.Get("/dashboard.js", s.handleDashboardJS)
	s.app.Get("/dashboard.css", s.handleDashboardCSS)
}

// handleStats returns current harness statistics
func (s *Server) handleStats(c *fiber.Ctx) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.JSON(s.stats)
}

// handleStart starts feeding scripts from a corpus directory to the engine
func (s *Server) handleStart(c *fiber.Ctx) error {
	var req struct {
		Target      string `json:"target"`
		CorpusDir   string `json:"corpusDir"`
		Workers     int    `json:"workers"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	if s.engine == nil {
		return c.Status(500).JSON(fiber.Map{"error": "no execution engine configured"})
	}

	s.mu.Lock()
	if s.stats.IsRunning {
		s.mu.Unlock()
		return c.Status(400).JSON(fiber.Map{"error": "harness is already running"})
	}
	s.stats.IsRunning = true
	s.stats.Target = req.Target
	s.stats.StartTime = time.Now()
	s.stats.Workers = req.Workers
	s.stats.TotalExecs = 0
	s.stats.OKCount = 0
	s.stats.CrashCount = 0
	s.stats.CrashesFound = 0
	s.mu.Unlock()
	s.BroadcastStats()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	go s.runCorpus(ctx, req.CorpusDir)

	return c.JSON(fiber.Map{"status": "started"})
}

// runCorpus walks corpusDir submitting every file to the engine until ctx
// is cancelled or the corpus is exhausted.
func (s *Server) runCorpus(ctx context.Context, corpusDir string) {
	defer func() {
		s.mu.Lock()
		s.stats.IsRunning = false
		s.mu.Unlock()
		s.BroadcastStats()
	}()

	entries, err := os.ReadDir(corpusDir)
	if err != nil {
		log.Printf("corpus read error: %v", err)
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if entry.IsDir() {
			continue
		}

		path := filepath.Join(corpusDir, entry.Name())
		script, err := memory.ReadFile(path, datachannel.MaxSize)
		if err != nil {
			log.Printf("corpus entry %s rejected: %v", entry.Name(), err)
			continue
		}

		s.mu.Lock()
		s.stats.CurrentScript = entry.Name()
		s.mu.Unlock()

		result, err := s.engine.Submit(script, false)
		if err != nil {
			log.Printf("exec error for %s: %v", entry.Name(), err)
			continue
		}

		s.recordExecution(entry.Name(), script, result)
	}
}

// recordExecution folds one ExecResult into the server's live stats and
// broadcasts it to connected clients.
func (s *Server) recordExecution(name string, script []byte, result types.ExecResult) {
	s.mu.Lock()
	s.stats.TotalExecs++
	switch result.Status {
	case types.ExecCrashed, types.ExecTimedOut:
		s.stats.CrashCount++
		s.stats.CrashesFound++
	default:
		s.stats.OKCount++
	}
	s.mu.Unlock()
	s.BroadcastStats()

	s.BroadcastLog(&ExecLog{
		ID:        fmt.Sprintf("%s-%d", name, time.Now().UnixNano()),
		Timestamp: time.Now(),
		Script:    string(script),
		Status:    result.Status.String(),
		Duration:  result.Duration.Milliseconds(),
		NewEdges:  len(result.NewEdges),
		IsCrash:   result.Status != types.ExecOK,
	})

	if result.Status != types.ExecOK {
		s.BroadcastCrash(&CrashLog{
			ID:          fmt.Sprintf("%s-%d", name, time.Now().UnixNano()),
			Timestamp:   time.Now(),
			Script:      string(script),
			Signal:      result.Signal,
			ExitCode:    result.ExitCode,
			Severity:    "high",
			Type:        result.Status.String(),
			Description: fmt.Sprintf("%s during %s", result.Status, name),
		})
	}
}

// handleStop stops the fuzzing process
func (s *Server) handleStop(c *fiber.Ctx) error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.stats.IsRunning = false
	s.mu.Unlock()

	return c.JSON(fiber.Map{"status": "stopped"})
}

// handleConfig replies "updated" without reading the request or changing
// any setting; worker count and timeout stay as they were at startup.
func (s *Server) handleConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "updated"})
}

// handleLogs always responds with an empty list: the server keeps no log
// history, and execution logs reach clients only over the websocket.
func (s *Server) handleLogs(c *fiber.Ctx) error {
	logs := []ExecLog{}
	return c.JSON(logs)
}

// handleCrashes always responds with an empty list: the server keeps no
// crash history, and crashes reach clients only over the websocket.
func (s *Server) handleCrashes(c *fiber.Ctx) error {
	crashes := []CrashLog{}
	return c.JSON(crashes)
}

// handleWebSocket handles WebSocket connections for real-time updates
func (s *Server) handleWebSocket(c *websocket.Conn) {
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		c.Close()
	}()

	// Send initial stats
	s.mu.RLock()
	data, _ := json.Marshal(map[string]interface{}{
		"type": "stats",
		"data": s.stats,
	})
	s.mu.RUnlock()
	c.WriteMessage(websocket.TextMessage, data)

	// Keep connection alive
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			break
		}
	}
}

// handleBroadcast sends updates to all connected clients
func (s *Server) handleBroadcast() {
	for msg := range s.broadcast {
		s.clientsMu.Lock()
		for client := range s.clients {
			if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				delete(s.clients, client)
			}
		}
		s.clientsMu.Unlock()
	}
}

// BroadcastStats sends stats update to all connected clients
func (s *Server) BroadcastStats() {
	s.mu.RLock()
	data, _ := json.Marshal(map[string]interface{}{
		"type": "stats",
		"data": s.stats,
	})
	s.mu.RUnlock()

	select {
	case s.broadcast <- data:
	default:
		// Channel full, skip this update
	}
}

// BroadcastLog sends an execution log to all connected clients
func (s *Server) BroadcastLog(log *ExecLog) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "log",
		"data": log,
	})

	select {
	case s.broadcast <- data:
	default:
	}
}

// BroadcastCrash sends a crash alert to all connected clients
func (s *Server) BroadcastCrash(crash *CrashLog) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "crash",
		"data": crash,
	})

	select {
	case s.broadcast <- data:
	default:
	}
}

// UpdateStats overwrites the live statistics with the given values and
// broadcasts them to connected clients.
func (s *Server) UpdateStats(total, ok, crashed, crashesFound int64, execsPerSec float64, numEdges uint32, foundEdges uint64, currentScript string) {
	s.mu.Lock()
	s.stats.TotalExecs = total
	s.stats.OKCount = ok
	s.stats.CrashCount = crashed
	s.stats.CrashesFound = crashesFound
	s.stats.ExecsPerSec = execsPerSec
	s.stats.NumEdges = numEdges
	s.stats.FoundEdges = foundEdges
	s.stats.CurrentScript = currentScript
	if s.stats.IsRunning {
		s.stats.ElapsedTime = time.Since(s.stats.StartTime).Round(time.Second).String()
	}
	s.mu.Unlock()

	s.BroadcastStats()
}

// Start starts the web server
func (s *Server) Start(addr string) error {
	log.Printf("[*] Web Dashboard starting at http://localhost%s\n", addr)
	return s.app.Listen(addr)
}

// Stop stops the web server
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

