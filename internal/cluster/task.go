// Package cluster distributes script executions across worker nodes and
// collects their results back at a coordinator.
package cluster

import (
	"time"

	"github.com/google/uuid"
)

// ExecTask represents one script to run against the target binary.
type ExecTask struct {
	ID            string            `json:"id"`
	Type          TaskType          `json:"type"`
	Script        []byte            `json:"script"`
	FreshInstance bool              `json:"fresh_instance,omitempty"`
	Priority      int               `json:"priority"`
	Retries       int               `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	Timeout       time.Duration     `json:"timeout"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TaskType represents the kind of execution being requested
type TaskType string

const (
	TaskTypeExecute  TaskType = "execute"  // Ordinary fuzzing execution
	TaskTypeVerify   TaskType = "verify"   // Re-run to confirm a crash reproduces
	TaskTypeMinimize TaskType = "minimize" // Reduce a crashing script
	TaskTypeReplay   TaskType = "replay"   // Replay a saved script verbatim
)

// ExecResult represents the outcome of running one ExecTask on a worker
type ExecResult struct {
	TaskID      string        `json:"task_id"`
	WorkerID    string        `json:"worker_id"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Signal      int           `json:"signal,omitempty"`
	Duration    time.Duration `json:"duration"`
	NewEdges    int           `json:"new_edges"`
	Crashed     bool          `json:"crashed"`
	Crash       *CrashInfo    `json:"crash,omitempty"`
	Fuzzout     string        `json:"fuzzout,omitempty"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// CrashInfo describes one crash a worker observed while running a task.
type CrashInfo struct {
	Type        CrashType `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence,omitempty"`
}

// CrashType represents the way a crash was detected
type CrashType string

const (
	CrashTypeSignal  CrashType = "signal"
	CrashTypeTimeout CrashType = "timeout"
	CrashTypeOOM     CrashType = "oom"
	CrashTypeAssert  CrashType = "assert"
)

// TaskQueue manages task distribution
type TaskQueue struct {
	tasks    []*ExecTask
	priority map[int][]*ExecTask // Tasks by priority
}

// NewTaskQueue creates a new task queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		tasks:    make([]*ExecTask, 0),
		priority: make(map[int][]*ExecTask),
	}
}

// Add adds a task to the queue
func (q *TaskQueue) Add(task *ExecTask) {
	q.tasks = append(q.tasks, task)
	q.priority[task.Priority] = append(q.priority[task.Priority], task)
}

// Pop returns and removes the highest priority task
func (q *TaskQueue) Pop() *ExecTask {
	if len(q.tasks) == 0 {
		return nil
	}

	// Find highest priority task
	var maxPriority int
	found := false
	for p := range q.priority {
		if len(q.priority[p]) > 0 && (!found || p > maxPriority) {
			maxPriority = p
			found = true
		}
	}

	tasks := q.priority[maxPriority]
	if len(tasks) == 0 {
		return nil
	}

	task := tasks[0]
	q.priority[maxPriority] = tasks[1:]

	// Remove from main tasks list
	for i, t := range q.tasks {
		if t.ID == task.ID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}

	return task
}

// Len returns the number of tasks in the queue
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// TaskGenerator generates execution tasks from scripts in a corpus
type TaskGenerator struct{}

// NewTaskGenerator creates a new task generator
func NewTaskGenerator() *TaskGenerator {
	return &TaskGenerator{}
}

// GenerateFromScripts generates one execute task per script in the corpus
func (g *TaskGenerator) GenerateFromScripts(scripts [][]byte) []*ExecTask {
	tasks := make([]*ExecTask, 0, len(scripts))

	for _, script := range scripts {
		task := &ExecTask{
			ID:         genTaskID(),
			Type:       TaskTypeExecute,
			Script:     script,
			Priority:   5,
			MaxRetries: 3,
			Timeout:    5 * time.Second,
			CreatedAt:  time.Now(),
		}
		tasks = append(tasks, task)
	}

	return tasks
}

// GenerateReplayTask generates a replay task for a previously saved script
func (g *TaskGenerator) GenerateReplayTask(script []byte) *ExecTask {
	return &ExecTask{
		ID:            genTaskID(),
		Type:          TaskTypeReplay,
		Script:        script,
		FreshInstance: true,
		Priority:      10, // High priority for replays
		MaxRetries:    2,
		Timeout:       10 * time.Second,
		CreatedAt:     time.Now(),
	}
}

// GenerateVerifyTask generates a task that re-runs a crashing script to
// confirm it reproduces.
func (g *TaskGenerator) GenerateVerifyTask(original *ExecTask) *ExecTask {
	return &ExecTask{
		ID:            genTaskID(),
		Type:          TaskTypeVerify,
		Script:        original.Script,
		FreshInstance: true,
		Priority:      8, // High priority for verification
		MaxRetries:    1,
		Timeout:       original.Timeout,
		CreatedAt:     time.Now(),
		Metadata: map[string]string{
			"original_task_id": original.ID,
		},
	}
}

// genTaskID generates a unique task ID
func genTaskID() string {
	return "task-" + uuid.NewString()
}
