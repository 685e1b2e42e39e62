// Package comms is the single source of truth for inter-agent messages in a
// workflow run: direct, multicast, broadcast and threaded delivery, per-agent
// views, listener notification and end-of-workflow signaling.
package comms

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"managym/internal/domain"
)

var (
	ErrUnknownThread = errors.New("comms: unknown thread")
	ErrNoRecipients  = errors.New("comms: no recipients resolvable")
)

// BroadcastListenerKey subscribes a listener to every broadcast regardless of
// addressing.
const BroadcastListenerKey = "BROADCAST"

// Listener receives every message addressed to the agent it was registered
// for. Panics inside a listener are recovered and logged, never propagated.
type Listener func(msg *domain.Message)

// SendOptions carries the optional fields of a send.
type SendOptions struct {
	RelatedTaskID string
	ThreadID      string
	Priority      int
}

// MessageFilter narrows MessagesForAgent results. Zero values mean no
// filtering on that axis.
type MessageFilter struct {
	Since             time.Time
	Type              domain.MessageType
	RelatedTaskID     string
	Limit             int
	ExcludeBroadcasts bool
}

// SenderGroup is one sender's messages, newest last.
type SenderGroup struct {
	SenderID     string
	Messages     []*domain.Message
	LastActivity time.Time
}

// ThreadGroup is one thread's messages, newest last.
type ThreadGroup struct {
	Thread       *domain.MessageThread
	Messages     []*domain.Message
	LastActivity time.Time
}

// Stats is a coarse view of run communication volume.
type Stats struct {
	TotalMessages int
	ThreadCount   int
	ByType        map[domain.MessageType]int
	BySender      map[string]int
}

// Service owns the message graph. All mutation happens under one mutex;
// listener callbacks run outside the lock so a listener may itself send.
type Service struct {
	logger *log.Logger

	mu        sync.Mutex
	messages  []*domain.Message
	byID      map[string]*domain.Message
	threads   map[string]*domain.MessageThread
	agents    map[string]struct{}
	listeners map[string][]Listener

	endRequested bool
	endReason    string
}

func NewService(logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		logger:    logger,
		byID:      map[string]*domain.Message{},
		threads:   map[string]*domain.MessageThread{},
		agents:    map[string]struct{}{},
		listeners: map[string][]Listener{},
	}
}

// RegisterAgent makes an agent known to the service ahead of any send, so it
// is included in broadcast recipient computation.
func (s *Service) RegisterAgent(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	s.agents[agentID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) KnownAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendDirect delivers a message to exactly one agent. It never fails: both
// agents are registered on the way through.
func (s *Service) SendDirect(from, to, content string, typ domain.MessageType, opts SendOptions) *domain.Message {
	if typ == "" {
		typ = domain.MessageTypeDirect
	}
	msg := &domain.Message{
		ID:            uuid.NewString(),
		SenderID:      from,
		ReceiverID:    to,
		Recipients:    []string{to},
		Content:       content,
		Type:          typ,
		ThreadID:      opts.ThreadID,
		RelatedTaskID: opts.RelatedTaskID,
		Priority:      opts.Priority,
		ReadBy:        map[string]time.Time{},
		Timestamp:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.agents[from] = struct{}{}
	s.agents[to] = struct{}{}
	s.append(msg)
	notify := s.listenersFor(msg.Recipients, false)
	s.mu.Unlock()

	s.notify(notify, msg)
	return msg
}

// Broadcast delivers to every known agent except the sender and any
// excludes. Listeners registered under BroadcastListenerKey fire as well.
func (s *Service) Broadcast(from, content string, typ domain.MessageType, exclude []string, priority int) *domain.Message {
	if typ == "" {
		typ = domain.MessageTypeBroadcast
	}
	skip := map[string]struct{}{from: {}}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	s.mu.Lock()
	s.agents[from] = struct{}{}
	var recipients []string
	for id := range s.agents {
		if _, ok := skip[id]; !ok {
			recipients = append(recipients, id)
		}
	}
	sort.Strings(recipients)
	msg := &domain.Message{
		ID:         uuid.NewString(),
		SenderID:   from,
		Recipients: recipients,
		Content:    content,
		Type:       typ,
		Priority:   priority,
		ReadBy:     map[string]time.Time{},
		Timestamp:  time.Now().UTC(),
	}
	s.append(msg)
	notify := s.listenersFor(msg.Recipients, true)
	s.mu.Unlock()

	s.notify(notify, msg)
	return msg
}

// Multicast delivers to an explicit recipient list. ReceiverID is set to the
// first recipient for consumers that only understand single receivers.
func (s *Service) Multicast(from string, to []string, content string, typ domain.MessageType, opts SendOptions) *domain.Message {
	if typ == "" {
		typ = domain.MessageTypeGeneral
	}
	receiver := ""
	if len(to) > 0 {
		receiver = to[0]
	}
	msg := &domain.Message{
		ID:            uuid.NewString(),
		SenderID:      from,
		ReceiverID:    receiver,
		Recipients:    append([]string(nil), to...),
		Content:       content,
		Type:          typ,
		ThreadID:      opts.ThreadID,
		RelatedTaskID: opts.RelatedTaskID,
		Priority:      opts.Priority,
		ReadBy:        map[string]time.Time{},
		Timestamp:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.agents[from] = struct{}{}
	for _, id := range to {
		s.agents[id] = struct{}{}
	}
	s.append(msg)
	notify := s.listenersFor(msg.Recipients, false)
	s.mu.Unlock()

	s.notify(notify, msg)
	return msg
}

// CreateThread opens a conversation thread over a fixed participant set.
func (s *Service) CreateThread(participants []string, topic, relatedTaskID string) *domain.MessageThread {
	thread := &domain.MessageThread{
		ID:            uuid.NewString(),
		Participants:  append([]string(nil), participants...),
		Topic:         topic,
		RelatedTaskID: relatedTaskID,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	s.mu.Lock()
	for _, id := range participants {
		s.agents[id] = struct{}{}
	}
	s.threads[thread.ID] = thread
	s.mu.Unlock()
	return thread
}

// AddMessageToThread posts into a thread. With an empty receiver the
// recipients default to the thread participants minus the sender; it fails
// only when no recipient can be resolved.
func (s *Service) AddMessageToThread(threadID, from, to, content string, typ domain.MessageType, priority int) (*domain.Message, error) {
	if typ == "" {
		typ = domain.MessageTypeGeneral
	}
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownThread
	}
	var recipients []string
	receiver := to
	if to != "" {
		recipients = []string{to}
	} else {
		for _, p := range thread.Participants {
			if p != from {
				recipients = append(recipients, p)
			}
		}
	}
	if len(recipients) == 0 {
		s.mu.Unlock()
		return nil, ErrNoRecipients
	}
	if receiver == "" {
		receiver = recipients[0]
	}
	msg := &domain.Message{
		ID:            uuid.NewString(),
		SenderID:      from,
		ReceiverID:    receiver,
		Recipients:    recipients,
		Content:       content,
		Type:          typ,
		ThreadID:      threadID,
		RelatedTaskID: thread.RelatedTaskID,
		Priority:      priority,
		ReadBy:        map[string]time.Time{},
		Timestamp:     time.Now().UTC(),
	}
	s.agents[from] = struct{}{}
	for _, id := range recipients {
		s.agents[id] = struct{}{}
	}
	s.append(msg)
	notify := s.listenersFor(msg.Recipients, false)
	s.mu.Unlock()

	s.notify(notify, msg)
	return msg, nil
}

// MessagesForAgent returns messages addressed to agentID (broadcasts
// included unless excluded), oldest first, filtered then capped to the most
// recent Limit entries.
func (s *Service) MessagesForAgent(agentID string, f MessageFilter) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if !m.AddressedTo(agentID) {
			continue
		}
		if f.ExcludeBroadcasts && m.IsBroadcast() {
			continue
		}
		if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.RelatedTaskID != "" && m.RelatedTaskID != f.RelatedTaskID {
			continue
		}
		out = append(out, m)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ConversationHistory returns direct traffic between exactly two agents in
// chronological order.
func (s *Service) ConversationHistory(a, b string, limit int) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.ThreadID != "" {
			continue
		}
		if (m.SenderID == a && m.AddressedTo(b)) || (m.SenderID == b && m.AddressedTo(a)) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ThreadHistory returns a thread's messages in chronological order. Messages
// without a thread id never appear here.
func (s *Service) ThreadHistory(threadID string, limit int) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Service) TaskCommunications(taskID string) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		if m.RelatedTaskID == taskID {
			out = append(out, m)
		}
	}
	return out
}

// RecentBroadcasts returns broadcasts newer than the window, newest first.
func (s *Service) RecentBroadcasts(window time.Duration, limit int) []*domain.Message {
	cutoff := time.Now().UTC().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if !m.IsBroadcast() || m.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// AllMessages returns every message newest first.
func (s *Service) AllMessages() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Message, len(s.messages))
	for i, m := range s.messages {
		out[len(s.messages)-1-i] = m
	}
	return out
}

// GroupedBySender returns per-sender message groups ordered by most recent
// activity descending.
func (s *Service) GroupedBySender() []SenderGroup {
	s.mu.Lock()
	groups := map[string]*SenderGroup{}
	for _, m := range s.messages {
		g, ok := groups[m.SenderID]
		if !ok {
			g = &SenderGroup{SenderID: m.SenderID}
			groups[m.SenderID] = g
		}
		g.Messages = append(g.Messages, m)
		if m.Timestamp.After(g.LastActivity) {
			g.LastActivity = m.Timestamp
		}
	}
	s.mu.Unlock()

	out := make([]SenderGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SenderID < out[j].SenderID
	})
	return out
}

// GroupedByThread returns per-thread message groups ordered by most recent
// activity descending. Messages outside any thread are omitted.
func (s *Service) GroupedByThread() []ThreadGroup {
	s.mu.Lock()
	groups := map[string]*ThreadGroup{}
	for _, m := range s.messages {
		if m.ThreadID == "" {
			continue
		}
		thread, ok := s.threads[m.ThreadID]
		if !ok {
			continue
		}
		g, ok := groups[m.ThreadID]
		if !ok {
			g = &ThreadGroup{Thread: thread}
			groups[m.ThreadID] = g
		}
		g.Messages = append(g.Messages, m)
		if m.Timestamp.After(g.LastActivity) {
			g.LastActivity = m.Timestamp
		}
	}
	s.mu.Unlock()

	out := make([]ThreadGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Thread.ID < out[j].Thread.ID
	})
	return out
}

// MarkMessageRead records a read receipt. Returns false for unknown ids.
func (s *Service) MarkMessageRead(messageID, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = map[string]time.Time{}
	}
	m.ReadBy[agentID] = time.Now().UTC()
	return true
}

// RequestEndWorkflow sets the one-shot termination flag. The first reason
// wins; the flag cannot be cleared within a run.
func (s *Service) RequestEndWorkflow(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endRequested {
		return
	}
	s.endRequested = true
	s.endReason = reason
	s.logger.Printf("comms: end of workflow requested reason=%q", reason)
}

func (s *Service) EndWorkflowRequested() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endRequested, s.endReason
}

// AddMessageListener registers a callback for every message addressed to
// agentID, or for every broadcast when agentID is BroadcastListenerKey.
func (s *Service) AddMessageListener(agentID string, fn Listener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners[agentID] = append(s.listeners[agentID], fn)
	s.mu.Unlock()
}

func (s *Service) Analytics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalMessages: len(s.messages),
		ThreadCount:   len(s.threads),
		ByType:        map[domain.MessageType]int{},
		BySender:      map[string]int{},
	}
	for _, m := range s.messages {
		st.ByType[m.Type]++
		st.BySender[m.SenderID]++
	}
	return st
}

func (s *Service) append(msg *domain.Message) {
	s.messages = append(s.messages, msg)
	s.byID[msg.ID] = msg
}

// listenersFor snapshots the callbacks to fire for a delivery. Caller holds
// the lock.
func (s *Service) listenersFor(recipients []string, broadcast bool) []Listener {
	var out []Listener
	for _, id := range recipients {
		out = append(out, s.listeners[id]...)
	}
	if broadcast {
		out = append(out, s.listeners[BroadcastListenerKey]...)
	}
	return out
}

func (s *Service) notify(fns []Listener, msg *domain.Message) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("comms: listener panic msg=%s: %v", msg.ID, r)
				}
			}()
			fn(msg)
		}()
	}
}
