package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []models.Outbound
	fail map[string]error
}

func (s *recordingSender) Send(_ context.Context, msg models.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[msg.ConversationID]; err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) to(conversationID string) []models.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Outbound
	for _, m := range s.sent {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

type fakeRoster map[string]models.User

func (r fakeRoster) User(id string) (models.User, bool) {
	u, ok := r[id]
	return u, ok
}

func (r fakeRoster) UserByPhone(phone string) (models.User, bool) {
	for _, u := range r {
		if models.CanonicalPhone(u.Phone) == models.CanonicalPhone(phone) {
			return u, true
		}
	}
	return models.User{}, false
}

func (r fakeRoster) Lead(userID string) (models.User, bool) {
	u, ok := r[userID]
	if !ok || u.LeadID == "" {
		return models.User{}, false
	}
	return r.User(u.LeadID)
}

// nineToFive resolves every user to a single 09:00-17:00 block.
type nineToFive struct{}

func (nineToFive) Resolve(string, time.Time) models.WorkSchedule {
	return models.WorkSchedule{Blocks: []models.TimeBlock{{Start: 9 * 60, End: 17 * 60}}, TotalExpectedHours: 8}
}

type fixedHours struct {
	hours float64
	err   error
	calls int
}

func (f *fixedHours) ExtractHours(context.Context, string) (float64, error) {
	f.calls++
	return f.hours, f.err
}

var errSendFailed = errors.New("send failed")

type harness struct {
	store    *store.InMemoryStore
	sender   *recordingSender
	roster   fakeRoster
	states   *StateMachine
	prompts  *store.PromptLog
	reports  *store.ReportLog
	prompter *Prompter
	router   *Router
	now      time.Time
}

func newHarness(now time.Time) *harness {
	h := &harness{
		sender: &recordingSender{fail: map[string]error{}},
		roster: fakeRoster{
			"lead":  {ID: "lead", Name: "Lena", Phone: "+1 555 000 0001"},
			"amir":  {ID: "amir", Name: "Amir", Phone: "+1 555 000 0002", LeadID: "lead"},
			"ghost": {ID: "ghost", Name: "Ghost"},
		},
		now: now,
	}
	clock := func() time.Time { return h.now }
	h.store = store.NewInMemoryStore(store.WithClock(clock))
	h.states = NewStateMachine(h.store, 12*time.Hour, clock)
	h.prompts = store.NewPromptLog(h.store)
	h.reports = store.NewReportLog(h.store)
	contacts := NewContacts(h.store, h.roster)
	h.prompter = NewPrompter(PrompterConfig{
		Sender:   h.sender,
		Contacts: contacts,
		States:   h.states,
		Prompts:  h.prompts,
		Reports:  h.reports,
		Roster:   h.roster,
		FormLink: func(userID string) string { return "https://checkin.example.com/eod/" + userID },
		Now:      clock,
	})
	h.router = NewRouter(RouterConfig{
		States:    h.states,
		Prompts:   h.prompts,
		Reports:   h.reports,
		Sender:    h.sender,
		Schedules: nineToFive{},
		Grace:     15 * time.Minute,
		Now:       clock,
	})
	return h
}

func (h *harness) inbound(text string) models.Inbound {
	return models.Inbound{MessageID: text, SenderID: "15550000002", ConversationID: "15550000002", Text: text, ReceivedAt: h.now}
}
