package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// RandomManager is the exploration baseline. It assigns a ready task to a
// random available agent when it can, otherwise picks among the cheap
// read-only actions.
type RandomManager struct {
	*Base
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomManager(id string) *RandomManager {
	m := &RandomManager{Base: NewBase(id)}
	m.rng = rand.New(rand.NewSource(m.Seed()))
	return m
}

func (m *RandomManager) ConfigureSeed(seed int64) {
	m.Base.ConfigureSeed(seed)
	m.mu.Lock()
	m.rng = rand.New(rand.NewSource(seed))
	m.mu.Unlock()
}

func (m *RandomManager) Reset() {
	m.Base.Reset()
	m.mu.Lock()
	m.rng = rand.New(rand.NewSource(m.Seed()))
	m.mu.Unlock()
}

func (m *RandomManager) Step(_ context.Context, obs *Observation, _ float64, done bool) (Action, error) {
	if done {
		return NoOp{Reason: "workflow finished"}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(obs.ReadyTaskIDs) > 0 && len(obs.AvailableAgents) > 0 && m.rng.Float64() < 0.7 {
		task := obs.ReadyTaskIDs[m.rng.Intn(len(obs.ReadyTaskIDs))]
		agent := obs.AvailableAgents[m.rng.Intn(len(obs.AvailableAgents))]
		return AssignTask{
			Reason:  "randomly pairing a ready task with a free agent",
			TaskID:  task,
			AgentID: agent.ID,
		}, nil
	}
	switch m.rng.Intn(4) {
	case 0:
		return GetWorkflowStatus{Reason: "random status check"}, nil
	case 1:
		return GetAvailableAgents{Reason: "random roster check"}, nil
	case 2:
		return GetPendingTasks{Reason: "random backlog check"}, nil
	default:
		return NoOp{Reason: "waiting"}, nil
	}
}

// OneShotDelegateManager assigns everything on its first step and then stays
// out of the way.
type OneShotDelegateManager struct {
	*Base
	mu        sync.Mutex
	delegated bool
}

func NewOneShotDelegateManager(id string) *OneShotDelegateManager {
	return &OneShotDelegateManager{Base: NewBase(id)}
}

func (m *OneShotDelegateManager) Reset() {
	m.Base.Reset()
	m.mu.Lock()
	m.delegated = false
	m.mu.Unlock()
}

func (m *OneShotDelegateManager) Step(_ context.Context, obs *Observation, _ float64, done bool) (Action, error) {
	if done {
		return NoOp{Reason: "workflow finished"}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.delegated {
		m.delegated = true
		return AssignAllPending{Reason: "delegating the whole backlog up front"}, nil
	}
	return NoOp{Reason: fmt.Sprintf("delegated at timestep %d, letting agents work", obs.Timestep)}, nil
}
