// Package harness ties the coverage bitmap, the REPRL/forkserver child
// process drivers, and a bounded worker pool together into the thing a
// fuzzer actually drives: "run this script, tell me what's new".
package harness

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/googleprojectzero/fuzzilli/internal/config"
	"github.com/googleprojectzero/fuzzilli/internal/coverage"
	"github.com/googleprojectzero/fuzzilli/internal/forkserver"
	"github.com/googleprojectzero/fuzzilli/internal/memory"
	"github.com/googleprojectzero/fuzzilli/internal/parallel"
	"github.com/googleprojectzero/fuzzilli/internal/reprl"
	"github.com/googleprojectzero/fuzzilli/pkg/types"
)

// maxCapturedOutput bounds how much of a child's fuzzout/stdout/stderr/aux
// content an ExecResult carries, independent of datachannel.MaxSize: a
// verbose or runaway target shouldn't be able to balloon every report and
// dashboard update to megabytes per execution.
const maxCapturedOutput = 1 << 20 // 1MB

// truncateOutput caps s at maxBytes using a LimitedBuffer rather than a
// bare slice, so the truncation point is governed by the same bounded-
// write semantics the rest of the package uses for child output.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	lb := memory.NewLimitedBuffer(maxBytes)
	lb.Write([]byte(s))
	return string(lb.Bytes())
}

// Worker owns one instrumented child process and the coverage context its
// shared-memory segment feeds. Depending on cfg.Mode it drives that child
// over REPRL (child is reused across executions) or the forkserver protocol
// (fs forks a fresh grandchild per execution); exactly one of child/fs is
// set after Start. Workers are not safe for concurrent use; the Engine
// gives each worker its own.
type Worker struct {
	id         int
	cfg        config.ExecutionConfig
	trackEdges bool
	coverage   *coverage.Context
	child      *reprl.Context
	fs         *forkserver.Server
	runCount   int
}

// NewWorker creates an uninitialized worker. Call Start before Run.
func NewWorker(id int, cfg config.ExecutionConfig, shmSize int, trackEdges bool) *Worker {
	return &Worker{
		id:         id,
		cfg:        cfg,
		trackEdges: trackEdges,
		coverage:   coverage.NewContext(id, shmSize),
	}
}

// Start maps the worker's coverage shared memory and initializes its child
// driver — REPRL or forkserver, per cfg.Mode — so the target can attach to
// SHM_ID on first spawn.
func (w *Worker) Start(argv []string, extraEnv map[string]string) error {
	if err := w.coverage.Initialize(); err != nil {
		return fmt.Errorf("harness: worker %d: %w", w.id, err)
	}

	envp := append(os.Environ(), "SHM_ID="+w.coverage.ShmKey())
	for k, v := range extraEnv {
		envp = append(envp, k+"="+v)
	}

	if w.cfg.Mode == "forkserver" {
		fs, err := forkserver.Spinup(argv, envp, true)
		if err != nil {
			return fmt.Errorf("harness: worker %d: %w", w.id, err)
		}
		w.fs = fs
		return nil
	}

	w.child = reprl.NewContext()
	if err := w.child.Initialize(argv, envp, w.cfg.CaptureStdout, w.cfg.CaptureStderr); err != nil {
		return fmt.Errorf("harness: worker %d: %w", w.id, err)
	}
	if w.cfg.AuxChannelFD > 0 {
		if err := w.child.CreateAdditionalChannel(w.cfg.AuxChannelFD); err != nil {
			return fmt.Errorf("harness: worker %d: %w", w.id, err)
		}
	}
	return nil
}

// Run executes one script and folds its coverage into the worker's context.
// freshInstance forces a brand-new child for this execution alone; it has
// no effect in forkserver mode, where every execution already gets a fresh
// grandchild.
func (w *Worker) Run(script []byte, freshInstance bool) (types.ExecResult, error) {
	if w.fs != nil {
		return w.runForkserver(script)
	}
	return w.runReprl(script, freshInstance)
}

func (w *Worker) runReprl(script []byte, freshInstance bool) (types.ExecResult, error) {
	if w.cfg.RespawnEvery > 0 && w.runCount > 0 && w.runCount%w.cfg.RespawnEvery == 0 {
		freshInstance = true
	}
	status, dur, err := w.child.Execute(script, w.cfg.Timeout, freshInstance)
	if err != nil {
		return types.ExecResult{}, err
	}
	w.runCount++

	if !w.coverage.Finalized() {
		if err := w.coverage.FinishInitialization(w.trackEdges); err != nil {
			return types.ExecResult{}, fmt.Errorf("harness: worker %d: %w", w.id, err)
		}
	}

	result := types.ExecResult{Duration: dur}

	switch {
	case status.IsTimedOut():
		result.Status = types.ExecTimedOut
		w.coverage.EvaluateCrash()
	case status.IsSignaled():
		result.Status = types.ExecCrashed
		result.Signal = status.TermSig()
		w.coverage.EvaluateCrash()
	default:
		result.Status = types.ExecOK
		result.ExitCode = status.ExitStatus()
		eval := w.coverage.Evaluate()
		result.NewEdges = eval.NewEdges
	}

	if fuzzout, err := w.child.FetchFuzzout(); err == nil {
		result.Fuzzout = truncateOutput(fuzzout, maxCapturedOutput)
	}
	if w.cfg.CaptureStdout {
		stdout, _ := w.child.FetchStdout()
		result.Stdout = truncateOutput(stdout, maxCapturedOutput)
	}
	if w.cfg.CaptureStderr {
		stderr, _ := w.child.FetchStderr()
		result.Stderr = truncateOutput(stderr, maxCapturedOutput)
	}
	if w.cfg.AuxChannelFD > 0 {
		aux, _ := w.child.FetchChannel(w.cfg.AuxChannelFD)
		result.Aux = truncateOutput(aux, maxCapturedOutput)
	}

	return result, nil
}

// runForkserver drives one fork-and-wait cycle and translates its raw wait
// status into the same ExecResult shape the REPRL path produces, so
// callers never need to know which model is running underneath.
func (w *Worker) runForkserver(script []byte) (types.ExecResult, error) {
	spawn, err := w.fs.Execute(script, w.cfg.Timeout)
	if err != nil {
		return types.ExecResult{}, err
	}
	w.runCount++

	if !w.coverage.Finalized() {
		if err := w.coverage.FinishInitialization(w.trackEdges); err != nil {
			return types.ExecResult{}, fmt.Errorf("harness: worker %d: %w", w.id, err)
		}
	}

	result := types.ExecResult{Duration: spawn.ExecTime, Stdout: truncateOutput(spawn.Output, maxCapturedOutput)}

	ws := syscall.WaitStatus(spawn.Status)
	switch {
	case spawn.TimedOut:
		result.Status = types.ExecTimedOut
		w.coverage.EvaluateCrash()
	case ws.Signaled():
		result.Status = types.ExecCrashed
		result.Signal = int(ws.Signal())
		w.coverage.EvaluateCrash()
	default:
		result.Status = types.ExecOK
		result.ExitCode = ws.ExitStatus()
		eval := w.coverage.Evaluate()
		result.NewEdges = eval.NewEdges
	}

	if fuzzout, err := w.fs.FetchFuzzout(); err == nil {
		result.Fuzzout = truncateOutput(fuzzout, maxCapturedOutput)
	}

	return result, nil
}

// Snapshot returns a cheap copy of this worker's coverage state.
func (w *Worker) Snapshot() types.CoverageSnapshot {
	return types.CoverageSnapshot{
		NumEdges:   w.coverage.NumEdges,
		FoundEdges: w.coverage.FoundEdges,
		Timestamp:  now(),
	}
}

// Close releases the worker's child process and coverage mapping.
func (w *Worker) Close() {
	if w.child != nil {
		w.child.Destroy()
	}
	if w.fs != nil {
		w.fs.Close()
	}
	w.coverage.Shutdown()
}

// Engine dispatches scripts to a bounded pool of workers concurrently via
// ants, aggregating coverage and crash results from each.
type Engine struct {
	mu       sync.Mutex
	workers  []*Worker
	freeList chan *Worker
	pool     *ants.PoolWithFunc

	inflight     *parallel.AtomicCounter
	backpressure *parallel.BackpressureController
	activity     *memory.RingBuffer

	mem           *memory.Monitor
	memAlerts     chan memory.MemoryAlert
	lastAlert     *parallel.AtomicValue
	alertThrottle *parallel.Throttle

	closed *parallel.AtomicFlag
	done   chan struct{}
}

// execJob is one script submitted to the ants pool, paired with the
// channel its result gets delivered on.
type execJob struct {
	script  []byte
	fresh   bool
	results chan<- jobOutcome
}

type jobOutcome struct {
	result types.ExecResult
	err    error
}

// NewEngine builds an Engine with n workers, each running its own
// instrumented child process.
func NewEngine(cfg *config.Config, n int) (*Engine, error) {
	e := &Engine{
		freeList: make(chan *Worker, n),
		inflight: parallel.NewAtomicCounter(0),
		closed:   parallel.NewAtomicFlag(false),
		done:     make(chan struct{}),
		activity: memory.NewRingBuffer(8192),
	}
	bcfg := &parallel.BackpressureConfig{
		Strategy:      parallel.StrategyAdaptive,
		MaxQueueSize:  n,
		HighWatermark: 0.8,
		LowWatermark:  0.2,
		MinRate:       time.Millisecond,
		MaxRate:       20 * time.Millisecond,
	}
	e.backpressure = parallel.NewBackpressureController(bcfg)

	for i := 0; i < n; i++ {
		w := NewWorker(i, cfg.Execution, cfg.Coverage.ShmSize, cfg.Coverage.TrackEdges)
		argv := append([]string{cfg.Target.Binary}, cfg.Target.Args...)
		if err := w.Start(argv, cfg.Target.Env); err != nil {
			e.Close()
			return nil, err
		}
		e.workers = append(e.workers, w)
		e.freeList <- w
	}

	// Workers are not safe for concurrent use (each owns one child
	// process and coverage mapping), so the pool func acquires one from
	// freeList rather than picking by submission order: ants schedules
	// queued jobs onto its goroutines in whatever order it likes, and a
	// round-robin index computed at submit time doesn't bind to which
	// goroutine actually runs the job.
	pool, err := ants.NewPoolWithFunc(n, func(arg interface{}) {
		job := arg.(execJob)

		w := <-e.freeList
		result, err := w.Run(job.script, job.fresh)
		e.freeList <- w

		job.results <- jobOutcome{result: result, err: err}
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("harness: ants pool: %w", err)
	}
	e.pool = pool

	e.mem = memory.NewMonitor(2*time.Second, memory.DefaultThreshold())
	e.memAlerts = make(chan memory.MemoryAlert, 16)
	e.lastAlert = parallel.NewAtomicValue(nil)
	e.alertThrottle = parallel.NewThrottle(5 * time.Second)
	e.mem.Start()
	go e.watchMemory()

	return e, nil
}

// watchMemory drains the memory monitor's alert channel, forcing a GC pass
// and recording the latest alert for LastMemoryAlert on every threshold
// breach. Forwarding onto memAlerts (where cmd/harness and the dashboards
// pick it up) is throttled so a sustained breach doesn't spam a log line
// or websocket push on every 2-second sample.
func (e *Engine) watchMemory() {
	for {
		select {
		case alert, ok := <-e.mem.GetAlerts():
			if !ok {
				return
			}
			memory.ForceGC()
			e.lastAlert.Store(alert)
			if e.alertThrottle.Allow() {
				select {
				case e.memAlerts <- alert:
				default:
				}
			}
		case <-e.done:
			return
		}
	}
}

// MemoryStats returns a fresh snapshot of the harness process's own memory
// usage, independent of the instrumented child processes it drives.
func (e *Engine) MemoryStats() memory.MemoryStats {
	return e.mem.GetCurrentStats()
}

// MemoryAlerts returns the channel threshold-breach alerts are delivered
// on, throttled to at most one every 5 seconds.
func (e *Engine) MemoryAlerts() <-chan memory.MemoryAlert {
	return e.memAlerts
}

// LastMemoryAlert returns the most recent threshold breach observed, or
// nil if none has occurred yet.
func (e *Engine) LastMemoryAlert() *memory.MemoryAlert {
	v := e.lastAlert.Load()
	if v == nil {
		return nil
	}
	alert := v.(memory.MemoryAlert)
	return &alert
}

// ActivityTail returns a text trail of recently completed executions, most
// recent last, useful as a compact "what just happened" summary without
// holding every ExecResult in memory.
func (e *Engine) ActivityTail() string {
	return string(e.activity.Peek())
}

// Submit runs script on the next available worker and blocks for its
// result. Safe to call from multiple goroutines. Backs off under the
// adaptive backpressure controller when in-flight submissions approach the
// worker count, rather than letting ants' internal queue grow unbounded
// when a caller dispatches faster than workers can drain.
func (e *Engine) Submit(script []byte, freshInstance bool) (types.ExecResult, error) {
	e.inflight.Inc()
	defer e.inflight.Dec()

	// The adaptive strategy sleeps internally as pressure rises rather
	// than returning false, so a single check is enough here.
	e.backpressure.CheckPressure(int(e.inflight.Get()), len(e.workers))

	results := make(chan jobOutcome, 1)
	if err := e.pool.Invoke(execJob{script: script, fresh: freshInstance, results: results}); err != nil {
		return types.ExecResult{}, fmt.Errorf("harness: submit: %w", err)
	}
	outcome := <-results
	e.backpressure.RecordProcessed()
	e.recordActivity(outcome.result)
	return outcome.result, outcome.err
}

// recordActivity appends a one-line summary of a completed execution to
// the engine's rolling activity tail.
func (e *Engine) recordActivity(res types.ExecResult) {
	line := fmt.Sprintf("%s dur=%s new_edges=%d\n", res.Status, res.Duration.Round(time.Millisecond), len(res.NewEdges))
	e.activity.Write([]byte(line))
}

// Snapshots returns the current coverage snapshot for every worker.
func (e *Engine) Snapshots() []types.CoverageSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := make([]types.CoverageSnapshot, len(e.workers))
	for i, w := range e.workers {
		snaps[i] = w.Snapshot()
	}
	return snaps
}

// Close shuts down every worker and the underlying pool. Safe to call more
// than once or concurrently — only the first caller actually tears
// anything down.
func (e *Engine) Close() {
	if e.closed != nil && !e.closed.CompareAndSet() {
		return
	}
	if e.done != nil {
		close(e.done)
	}
	if e.mem != nil {
		e.mem.Stop()
	}
	if e.pool != nil {
		e.pool.Release()
	}
	for _, w := range e.workers {
		w.Close()
	}
}

func now() time.Time { return time.Now() }
