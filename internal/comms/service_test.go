package comms

import (
	"io"
	"log"
	"testing"
	"time"

	"managym/internal/domain"
)

func newTestService() *Service {
	return NewService(log.New(io.Discard, "", 0))
}

func TestBroadcastRecipients(t *testing.T) {
	s := newTestService()
	for _, id := range []string{"a", "x", "y", "z"} {
		s.RegisterAgent(id)
	}

	msg := s.Broadcast("a", "hello", domain.MessageTypeBroadcast, []string{"x"}, 0)
	if msg.ReceiverID != "" {
		t.Fatalf("broadcast receiver should be empty, got %q", msg.ReceiverID)
	}
	want := []string{"y", "z"}
	if len(msg.Recipients) != len(want) {
		t.Fatalf("recipients = %v, want %v", msg.Recipients, want)
	}
	for i, id := range want {
		if msg.Recipients[i] != id {
			t.Fatalf("recipients = %v, want %v", msg.Recipients, want)
		}
	}
}

func TestTypedBroadcastsStayBroadcasts(t *testing.T) {
	s := newTestService()
	for _, id := range []string{"w1", "w2", "sponsor"} {
		s.RegisterAgent(id)
	}

	s.Broadcast("w1", "halfway through the draft", domain.MessageTypeStatusUpdate, nil, 0)

	recent := s.RecentBroadcasts(time.Hour, 0)
	if len(recent) != 1 {
		t.Fatalf("recent broadcasts = %d, want 1", len(recent))
	}
	if recent[0].Type != domain.MessageTypeStatusUpdate {
		t.Fatalf("broadcast type = %s", recent[0].Type)
	}

	inbox := s.MessagesForAgent("sponsor", MessageFilter{ExcludeBroadcasts: true})
	if len(inbox) != 0 {
		t.Fatalf("filtered inbox = %d messages, want fan-out excluded", len(inbox))
	}
}

func TestDirectMessageRegistersAgents(t *testing.T) {
	s := newTestService()
	s.SendDirect("m", "w1", "do the thing", domain.MessageTypeRequest, SendOptions{RelatedTaskID: "t1"})

	agents := s.KnownAgents()
	if len(agents) != 2 || agents[0] != "m" || agents[1] != "w1" {
		t.Fatalf("known agents = %v", agents)
	}
	got := s.TaskCommunications("t1")
	if len(got) != 1 || got[0].Content != "do the thing" {
		t.Fatalf("task communications = %+v", got)
	}
}

func TestThreadIsolation(t *testing.T) {
	s := newTestService()
	th1 := s.CreateThread([]string{"a", "b"}, "one", "")
	th2 := s.CreateThread([]string{"a", "b"}, "two", "")

	if _, err := s.AddMessageToThread(th1.ID, "a", "", "in one", domain.MessageTypeGeneral, 0); err != nil {
		t.Fatalf("thread send: %v", err)
	}
	if _, err := s.AddMessageToThread(th2.ID, "b", "", "in two", domain.MessageTypeGeneral, 0); err != nil {
		t.Fatalf("thread send: %v", err)
	}
	s.SendDirect("a", "b", "no thread", domain.MessageTypeDirect, SendOptions{})

	if got := s.ThreadHistory(th1.ID, 0); len(got) != 1 || got[0].Content != "in one" {
		t.Fatalf("thread one history = %+v", got)
	}
	if got := s.ThreadHistory(th2.ID, 0); len(got) != 1 || got[0].Content != "in two" {
		t.Fatalf("thread two history = %+v", got)
	}
	// The unthreaded direct message shows up in the pairwise history only.
	hist := s.ConversationHistory("a", "b", 0)
	if len(hist) != 1 || hist[0].Content != "no thread" {
		t.Fatalf("conversation history = %+v", hist)
	}
}

func TestAddMessageToThreadNoRecipients(t *testing.T) {
	s := newTestService()
	th := s.CreateThread([]string{"solo"}, "", "")
	if _, err := s.AddMessageToThread(th.ID, "solo", "", "anyone?", domain.MessageTypeGeneral, 0); err != ErrNoRecipients {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
	if _, err := s.AddMessageToThread("missing", "solo", "", "x", domain.MessageTypeGeneral, 0); err != ErrUnknownThread {
		t.Fatalf("err = %v, want ErrUnknownThread", err)
	}
}

func TestMessagesForAgentFilters(t *testing.T) {
	s := newTestService()
	s.RegisterAgent("w")
	s.SendDirect("m", "w", "first", domain.MessageTypeRequest, SendOptions{})
	s.SendDirect("m", "w", "second", domain.MessageTypeAlert, SendOptions{})
	s.Broadcast("m", "to everyone", domain.MessageTypeBroadcast, nil, 0)
	s.SendDirect("m", "other", "not for w", domain.MessageTypeDirect, SendOptions{})

	all := s.MessagesForAgent("w", MessageFilter{})
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	alerts := s.MessagesForAgent("w", MessageFilter{Type: domain.MessageTypeAlert})
	if len(alerts) != 1 || alerts[0].Content != "second" {
		t.Fatalf("alerts = %+v", alerts)
	}
	noBcast := s.MessagesForAgent("w", MessageFilter{ExcludeBroadcasts: true})
	if len(noBcast) != 2 {
		t.Fatalf("len = %d, want 2", len(noBcast))
	}
	limited := s.MessagesForAgent("w", MessageFilter{Limit: 1})
	if len(limited) != 1 || limited[0].Content != "to everyone" {
		t.Fatalf("limited = %+v", limited)
	}
}

func TestAllMessagesNewestFirst(t *testing.T) {
	s := newTestService()
	s.SendDirect("a", "b", "one", domain.MessageTypeDirect, SendOptions{})
	s.SendDirect("a", "b", "two", domain.MessageTypeDirect, SendOptions{})
	got := s.AllMessages()
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "one" {
		t.Fatalf("all messages = %+v", got)
	}
}

func TestMarkMessageRead(t *testing.T) {
	s := newTestService()
	msg := s.SendDirect("a", "b", "read me", domain.MessageTypeDirect, SendOptions{})
	if !s.MarkMessageRead(msg.ID, "b") {
		t.Fatal("mark read failed for known message")
	}
	if s.MarkMessageRead("missing", "b") {
		t.Fatal("mark read succeeded for unknown message")
	}
	if _, ok := msg.ReadBy["b"]; !ok {
		t.Fatalf("read receipt not recorded: %+v", msg.ReadBy)
	}
}

func TestEndWorkflowFlagIsOneShot(t *testing.T) {
	s := newTestService()
	if requested, _ := s.EndWorkflowRequested(); requested {
		t.Fatal("flag set before any request")
	}
	s.RequestEndWorkflow("stakeholder approved")
	s.RequestEndWorkflow("second reason ignored")
	requested, reason := s.EndWorkflowRequested()
	if !requested || reason != "stakeholder approved" {
		t.Fatalf("requested=%v reason=%q", requested, reason)
	}
}

func TestListeners(t *testing.T) {
	s := newTestService()
	s.RegisterAgent("w")
	s.RegisterAgent("other")

	var direct, bcast []*domain.Message
	s.AddMessageListener("w", func(m *domain.Message) { direct = append(direct, m) })
	s.AddMessageListener(BroadcastListenerKey, func(m *domain.Message) { bcast = append(bcast, m) })
	s.AddMessageListener("w", func(m *domain.Message) { panic("listener blew up") })

	s.SendDirect("m", "w", "direct", domain.MessageTypeDirect, SendOptions{})
	s.Broadcast("m", "broadcast", domain.MessageTypeBroadcast, nil, 0)

	if len(direct) != 2 {
		t.Fatalf("direct listener saw %d messages, want 2", len(direct))
	}
	if len(bcast) != 1 || bcast[0].Content != "broadcast" {
		t.Fatalf("broadcast listener saw %+v", bcast)
	}
}

func TestGroupedViews(t *testing.T) {
	s := newTestService()
	s.SendDirect("alice", "bob", "hi", domain.MessageTypeDirect, SendOptions{})
	time.Sleep(2 * time.Millisecond)
	s.SendDirect("carol", "bob", "newer", domain.MessageTypeDirect, SendOptions{})

	bySender := s.GroupedBySender()
	if len(bySender) != 2 {
		t.Fatalf("sender groups = %d, want 2", len(bySender))
	}
	if bySender[0].SenderID != "carol" {
		t.Fatalf("most recent sender = %q, want carol", bySender[0].SenderID)
	}

	th := s.CreateThread([]string{"alice", "bob"}, "topic", "")
	if _, err := s.AddMessageToThread(th.ID, "alice", "", "threaded", domain.MessageTypeGeneral, 0); err != nil {
		t.Fatalf("thread send: %v", err)
	}
	byThread := s.GroupedByThread()
	if len(byThread) != 1 || byThread[0].Thread.ID != th.ID || len(byThread[0].Messages) != 1 {
		t.Fatalf("thread groups = %+v", byThread)
	}
}

func TestAnalytics(t *testing.T) {
	s := newTestService()
	s.SendDirect("a", "b", "x", domain.MessageTypeDirect, SendOptions{})
	s.SendDirect("a", "b", "y", domain.MessageTypeAlert, SendOptions{})
	s.Broadcast("b", "z", domain.MessageTypeBroadcast, nil, 0)

	st := s.Analytics()
	if st.TotalMessages != 3 {
		t.Fatalf("total = %d, want 3", st.TotalMessages)
	}
	if st.BySender["a"] != 2 || st.BySender["b"] != 1 {
		t.Fatalf("by sender = %v", st.BySender)
	}
	if st.ByType[domain.MessageTypeAlert] != 1 {
		t.Fatalf("by type = %v", st.ByType)
	}
}
