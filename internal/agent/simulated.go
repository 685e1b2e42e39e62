package agent

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"managym/internal/comms"
	"managym/internal/domain"
)

// SimulatedConfig describes a deterministic stand-in worker. Type is a free
// label ("ai", "human_mock", ...) surfaced in observations and stats.
type SimulatedConfig struct {
	ID          string
	Type        string
	Description string

	// WorkHours overrides the task estimate for simulated duration. Zero
	// falls back to the task estimate, then to one hour.
	WorkHours  float64
	HourlyRate float64

	// FailureRate is the per-task probability of a simulated failure.
	FailureRate float64

	MaxConcurrentTasks int
	Seed               int64
}

func (c SimulatedConfig) withDefaults() SimulatedConfig {
	if c.Type == "" {
		c.Type = "ai"
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// SimulatedAgent executes tasks without any external runtime: it fabricates
// an output resource, charges simulated hours and cost, and posts a status
// update when a communication service is attached.
type SimulatedAgent struct {
	*Base
	cfg    SimulatedConfig
	comms  *comms.Service
	logger *log.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewSimulatedAgent(cfg SimulatedConfig, svc *comms.Service, logger *log.Logger) *SimulatedAgent {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	a := &SimulatedAgent{
		Base:   NewBase(cfg.ID, cfg.Type, cfg.Description, cfg.MaxConcurrentTasks),
		cfg:    cfg,
		comms:  svc,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	if svc != nil {
		svc.RegisterAgent(cfg.ID)
	}
	return a
}

func (a *SimulatedAgent) ConfigureSeed(seed int64) {
	a.Base.ConfigureSeed(seed)
	a.rngMu.Lock()
	a.rng = rand.New(rand.NewSource(seed))
	a.rngMu.Unlock()
}

func (a *SimulatedAgent) roll() float64 {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.rng.Float64()
}

func (a *SimulatedAgent) ExecuteTask(ctx context.Context, task *domain.Task, resources []*domain.Resource) (*domain.ExecutionResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.cfg.FailureRate > 0 && a.roll() < a.cfg.FailureRate {
		a.logger.Printf("agent %s: simulated failure task=%s", a.AgentID(), task.ID)
		return nil, fmt.Errorf("agent %s: simulated failure on task %q", a.AgentID(), task.Name)
	}

	hours := a.cfg.WorkHours
	if hours <= 0 {
		hours = task.EstimatedDurationHours
	}
	if hours <= 0 {
		hours = 1
	}
	cost := hours * a.cfg.HourlyRate

	res := domain.NewTaskResult(task.ID, a.AgentID(), true, time.Since(start))
	res.SimulatedDurationHours = hours
	res.ActualCost = cost
	res.Reasoning = fmt.Sprintf("completed %q using %d input resources", task.Name, len(resources))
	res.OutputResources = []*domain.Resource{{
		Name:        fmt.Sprintf("Output: %s", task.Name),
		Description: fmt.Sprintf("deliverable produced by %s", a.AgentID()),
		Content:     a.renderOutput(task, resources),
		ContentType: "text/markdown",
	}}

	if a.comms != nil {
		a.comms.Broadcast(a.AgentID(),
			fmt.Sprintf("completed task %q (%.1fh)", task.Name, hours),
			domain.MessageTypeStatusUpdate, nil, 0)
	}
	return res, nil
}

func (a *SimulatedAgent) renderOutput(task *domain.Task, resources []*domain.Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", task.Name, task.Description)
	if len(resources) > 0 {
		fmt.Fprintf(&b, "\nInputs: %s\n", strings.Join(resourceNames(resources), ", "))
	}
	fmt.Fprintf(&b, "\nCompleted by %s (%s).\n", a.AgentID(), a.AgentType())
	return b.String()
}
