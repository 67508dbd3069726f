package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/conversation"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
)

type fakeDirectory map[string]models.User

func (d fakeDirectory) UserByPhone(phone string) (models.User, bool) {
	u, ok := d[models.CanonicalPhone(phone)]
	return u, ok
}

type contactCall struct {
	userID, conversationID string
	at                     time.Time
}

type fakeContacts struct {
	mu    sync.Mutex
	calls []contactCall
	err   error
}

func (c *fakeContacts) Remember(_ context.Context, userID, conversationID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, contactCall{userID, conversationID, at})
	return c.err
}

type fakeRouter struct {
	mu      sync.Mutex
	handled []models.Inbound
	err     error
}

func (r *fakeRouter) Handle(_ context.Context, _ models.User, in models.Inbound) (conversation.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, in)
	return conversation.OutcomeStatusReply, r.err
}

func (r *fakeRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

type handlerHarness struct {
	wa       *whatsapp.MockClient
	svc      *WhatsAppService
	contacts *fakeContacts
	router   *fakeRouter
	rh       *ResponseHandler
	now      time.Time
}

func newHandlerHarness() *handlerHarness {
	h := &handlerHarness{
		wa:       whatsapp.NewMockClient(),
		contacts: &fakeContacts{},
		router:   &fakeRouter{},
		now:      time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
	h.svc = NewWhatsAppService(h.wa)
	h.rh = NewResponseHandler(ResponseHandlerConfig{
		Service:   h.svc,
		Directory: fakeDirectory{"15550000002": {ID: "alice", Name: "Alice", Phone: "+15550000002"}},
		Contacts:  h.contacts,
		Router:    h.router,
		Seen:      store.NewInMemoryStore(),
		Now:       func() time.Time { return h.now },
	})
	return h
}

func TestProcessInbound_RoutesRosterUser(t *testing.T) {
	h := newHandlerHarness()
	in := models.Inbound{MessageID: "m1", SenderID: "15550000002", ConversationID: "15550000002", Text: "hi"}

	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if h.router.count() != 1 {
		t.Fatalf("expected 1 routed message, got %d", h.router.count())
	}
	if len(h.contacts.calls) != 1 {
		t.Fatalf("expected contact to be remembered")
	}
	call := h.contacts.calls[0]
	if call.userID != "alice" || call.conversationID != "15550000002" || !call.at.Equal(h.now) {
		t.Errorf("unexpected contact call: %+v", call)
	}
}

func TestProcessInbound_DropsDuplicates(t *testing.T) {
	h := newHandlerHarness()
	in := models.Inbound{MessageID: "m1", SenderID: "15550000002", ConversationID: "15550000002", Text: "hi"}

	for i := 0; i < 3; i++ {
		if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
			t.Fatalf("ProcessInbound #%d: %v", i, err)
		}
	}
	if h.router.count() != 1 {
		t.Errorf("expected duplicate deliveries to be dropped, routed %d", h.router.count())
	}

	in.MessageID = "m2"
	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if h.router.count() != 2 {
		t.Errorf("expected a new message ID to be routed, routed %d", h.router.count())
	}
}

func TestProcessInbound_UnknownSender(t *testing.T) {
	h := newHandlerHarness()
	in := models.Inbound{MessageID: "m1", SenderID: "15559999999", ConversationID: "15559999999", Text: "hi"}

	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if h.router.count() != 0 || len(h.contacts.calls) != 0 {
		t.Error("unknown sender should not be routed or remembered")
	}
	sent := h.wa.Messages()
	if len(sent) != 1 || sent[0].To != "15559999999" || sent[0].Body != UnknownSenderText {
		t.Errorf("unexpected reply: %+v", sent)
	}
}

func TestProcessInbound_ContactFailureStillRoutes(t *testing.T) {
	h := newHandlerHarness()
	h.contacts.err = errors.New("disk full")
	in := models.Inbound{MessageID: "m1", SenderID: "15550000002", ConversationID: "15550000002", Text: "hi"}

	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if h.router.count() != 1 {
		t.Error("expected message to be routed despite contact failure")
	}
}

func TestProcessInbound_RouterError(t *testing.T) {
	h := newHandlerHarness()
	h.router.err = errors.New("boom")
	in := models.Inbound{MessageID: "m1", SenderID: "15550000002", ConversationID: "15550000002", Text: "hi"}

	if err := h.rh.ProcessInbound(context.Background(), in); !errors.Is(err, h.router.err) {
		t.Errorf("expected router error to be wrapped, got %v", err)
	}

	// A redelivery of the failed message must be routed again.
	h.router.err = nil
	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if h.router.count() != 2 {
		t.Errorf("expected redelivery to be routed, routed %d", h.router.count())
	}
	if err := h.rh.ProcessInbound(context.Background(), in); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if h.router.count() != 2 {
		t.Errorf("duplicate after success should be dropped, routed %d", h.router.count())
	}
}

func TestResponseHandler_Start(t *testing.T) {
	h := newHandlerHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rh.Start(ctx)

	if !h.svc.emit(models.Inbound{MessageID: "m1", SenderID: "15550000002", ConversationID: "15550000002", Text: "hi"}) {
		t.Fatal("emit rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.router.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.router.count() != 1 {
		t.Fatalf("expected the loop to route the message, routed %d", h.router.count())
	}
	if err := h.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
