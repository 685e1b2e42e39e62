package agent

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/eval"
)

// StakeholderConfig describes the persona of the preference-owning agent.
type StakeholderConfig struct {
	ID                 string
	DisplayName        string
	Role               string
	PersonaDescription string

	// Messaging persona.
	Verbosity              int
	ClarificationReplyRate float64
	PushProbability        float64
	SuggestionRate         float64
	LatencyStepsMin        int
	LatencyStepsMax        int

	InitialPreferences *eval.PreferenceWeights
	Seed               int64
}

func (c StakeholderConfig) withDefaults() StakeholderConfig {
	if c.DisplayName == "" {
		c.DisplayName = c.ID
	}
	if c.Role == "" {
		c.Role = "project sponsor"
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.InitialPreferences == nil {
		c.InitialPreferences = eval.NewPreferenceWeights()
	}
	return c
}

type timelineEntry struct {
	timestep int
	weights  *eval.PreferenceWeights
}

// StakeholderAgent owns the preference timeline and participates in the run
// through the communication service: delayed replies from a scheduled
// outbox, occasional pushed suggestions, and review-style task execution.
type StakeholderAgent struct {
	*Base
	cfg    StakeholderConfig
	comms  *comms.Service
	logger *log.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	timeline []timelineEntry
	changes  []*eval.PreferenceChange
	outbox   []scheduledMessage
	lastSeen time.Time
}

type scheduledMessage struct {
	dueTimestep int
	content     string
}

func NewStakeholderAgent(cfg StakeholderConfig, svc *comms.Service, logger *log.Logger) *StakeholderAgent {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	a := &StakeholderAgent{
		Base:   NewBase(cfg.ID, "stakeholder", cfg.PersonaDescription, 1),
		cfg:    cfg,
		comms:  svc,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		timeline: []timelineEntry{
			{timestep: 0, weights: cfg.InitialPreferences.Normalize()},
		},
	}
	if svc != nil {
		svc.RegisterAgent(cfg.ID)
	}
	return a
}

func (a *StakeholderAgent) ConfigureSeed(seed int64) {
	a.Base.ConfigureSeed(seed)
	a.mu.Lock()
	a.rng = rand.New(rand.NewSource(seed))
	a.mu.Unlock()
}

func (a *StakeholderAgent) PublicProfile() Profile {
	return Profile{
		DisplayName:       a.cfg.DisplayName,
		Role:              a.cfg.Role,
		PreferenceSummary: a.PreferencesForTimestep(1 << 30).Summary(),
	}
}

// PreferencesForTimestep resolves the most recent timeline entry at or
// before the queried timestep.
func (a *StakeholderAgent) PreferencesForTimestep(timestep int) *eval.PreferenceWeights {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Timeline is kept sorted by timestep; binary-search the last entry <= t.
	i := sort.Search(len(a.timeline), func(i int) bool {
		return a.timeline[i].timestep > timestep
	})
	if i == 0 {
		return a.timeline[0].weights
	}
	return a.timeline[i-1].weights
}

func (a *StakeholderAgent) ApplyWeightUpdate(req eval.WeightUpdateRequest) (*eval.PreferenceChange, error) {
	current := a.PreferencesForTimestep(req.Timestep)
	updated, change, err := current.Apply(req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	entry := timelineEntry{timestep: req.Timestep, weights: updated.Normalize()}
	i := sort.Search(len(a.timeline), func(i int) bool {
		return a.timeline[i].timestep >= req.Timestep
	})
	if i < len(a.timeline) && a.timeline[i].timestep == req.Timestep {
		a.timeline[i] = entry
	} else {
		a.timeline = append(a.timeline, timelineEntry{})
		copy(a.timeline[i+1:], a.timeline[i:])
		a.timeline[i] = entry
	}
	a.changes = append(a.changes, change)
	return change, nil
}

func (a *StakeholderAgent) ApplyWeightUpdates(reqs []eval.WeightUpdateRequest) ([]*eval.PreferenceChange, error) {
	out := make([]*eval.PreferenceChange, 0, len(reqs))
	for _, req := range reqs {
		change, err := a.ApplyWeightUpdate(req)
		if err != nil {
			return out, err
		}
		out = append(out, change)
	}
	return out, nil
}

func (a *StakeholderAgent) Changes() []*eval.PreferenceChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*eval.PreferenceChange(nil), a.changes...)
}

// PolicyStep runs one messaging tick: flush due scheduled replies, schedule
// replies for fresh direct messages, and maybe push a suggestion.
func (a *StakeholderAgent) PolicyStep(ctx context.Context, timestep int) {
	if a.comms == nil {
		return
	}

	a.mu.Lock()
	var due []string
	var pending []scheduledMessage
	for _, m := range a.outbox {
		if m.dueTimestep <= timestep {
			due = append(due, m.content)
		} else {
			pending = append(pending, m)
		}
	}
	a.outbox = pending
	since := a.lastSeen
	a.lastSeen = time.Now().UTC()
	a.mu.Unlock()

	for _, content := range due {
		a.comms.Broadcast(a.AgentID(), content, domain.MessageTypeResponse, nil, 0)
	}

	inbox := a.comms.MessagesForAgent(a.AgentID(), comms.MessageFilter{
		Since:             since,
		ExcludeBroadcasts: true,
		Limit:             20,
	})
	for _, msg := range inbox {
		if msg.SenderID == a.AgentID() {
			continue
		}
		if a.roll() <= a.cfg.ClarificationReplyRate {
			delay := a.sampleLatency()
			a.mu.Lock()
			a.outbox = append(a.outbox, scheduledMessage{
				dueTimestep: timestep + delay,
				content:     a.formatReply(msg.Content),
			})
			a.mu.Unlock()
		}
	}

	if a.roll() <= a.cfg.PushProbability && a.roll() <= a.cfg.SuggestionRate {
		a.comms.Broadcast(a.AgentID(), a.suggestion(), domain.MessageTypeGeneral, nil, 0)
	}
}

// ExecuteTask handles review/approval tasks assigned to the stakeholder.
func (a *StakeholderAgent) ExecuteTask(ctx context.Context, task *domain.Task, resources []*domain.Resource) (*domain.ExecutionResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := domain.NewTaskResult(task.ID, a.AgentID(), true, time.Since(start))
	res.SimulatedDurationHours = 0.5
	res.Reasoning = fmt.Sprintf("%s reviewed %q against stated priorities", a.cfg.DisplayName, task.Name)
	res.OutputResources = []*domain.Resource{{
		Name:        fmt.Sprintf("Stakeholder review: %s", task.Name),
		Description: "approval and feedback from the stakeholder",
		Content:     a.reviewContent(task, resources),
		ContentType: "text/plain",
	}}
	return res, nil
}

func (a *StakeholderAgent) roll() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64()
}

func (a *StakeholderAgent) sampleLatency() int {
	lo := a.cfg.LatencyStepsMin
	if lo < 0 {
		lo = 0
	}
	hi := a.cfg.LatencyStepsMax
	if hi < lo {
		hi = lo
	}
	if lo == hi {
		return lo
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo + a.rng.Intn(hi-lo+1)
}

func (a *StakeholderAgent) formatReply(incoming string) string {
	base := "Thanks for the update. My priorities remain as discussed; please proceed accordingly."
	if a.cfg.Verbosity <= 1 {
		return base
	}
	if len(incoming) > 200 {
		incoming = incoming[:200]
	}
	return base + "\nRegarding your message: " + incoming
}

func (a *StakeholderAgent) suggestion() string {
	return fmt.Sprintf("Suggestion from %s (%s): please prioritize critical-path tasks and make sure review happens before final delivery.",
		a.cfg.DisplayName, a.cfg.Role)
}

func (a *StakeholderAgent) reviewContent(task *domain.Task, resources []*domain.Resource) string {
	if len(resources) == 0 {
		return fmt.Sprintf("Approved %q. No input material was provided for detailed feedback.", task.Name)
	}
	return fmt.Sprintf("Approved %q after reviewing: %v.", task.Name, resourceNames(resources))
}
