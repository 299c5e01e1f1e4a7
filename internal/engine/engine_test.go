package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hoztech/whatsflow/internal/config"
	"github.com/hoztech/whatsflow/internal/delivery"
	"github.com/hoztech/whatsflow/internal/models"
	"github.com/hoztech/whatsflow/internal/store"
)

// testClock is a controllable clock for engine tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.InMemoryStore, *testClock) {
	t.Helper()
	st := store.NewInMemoryStore()
	cfg := config.NewStoreProvider(st, config.WithCacheTTL(0))
	clock := &testClock{now: time.Now()}
	opts = append(opts, WithNowFunc(clock.Now))
	return New(st, cfg, opts...), st, clock
}

func activateChatbot(t *testing.T, st store.Store) {
	t.Helper()
	if err := st.SetConfigValue(config.KeyChatbotActive, "true", "test"); err != nil {
		t.Fatalf("failed to activate chatbot: %v", err)
	}
}

func addTemplate(t *testing.T, st store.Store, step int, content string) {
	t.Helper()
	err := st.CreateTemplate(&models.Template{
		Name:         fmt.Sprintf("step-%d", step),
		StepNumber:   step,
		Content:      content,
		DelaySeconds: 5,
	})
	if err != nil {
		t.Fatalf("failed to create template for step %d: %v", step, err)
	}
}

func inbound(id, from, body string, ts time.Time) models.IncomingMessage {
	return models.IncomingMessage{
		ID:        id,
		From:      from,
		Body:      body,
		Type:      models.MessageTypeText,
		Timestamp: ts.Unix(),
	}
}

func TestProcessIncomingMessageChatbotDisabled(t *testing.T) {
	eng, st, clock := newTestEngine(t)

	resp := eng.ProcessIncomingMessage(inbound("wamid.1", "+5511999990000", "oi", clock.Now()))
	if resp != nil {
		t.Errorf("expected no response while chatbot disabled, got %+v", resp)
	}

	contact, err := st.GetContact("+5511999990000")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if contact != nil {
		t.Error("expected no contact to be created while chatbot disabled")
	}
	active, err := st.CountSessionsByStatus(models.SessionStatusActive)
	if err != nil {
		t.Fatalf("CountSessionsByStatus failed: %v", err)
	}
	if active != 0 {
		t.Errorf("expected 0 sessions, got %d", active)
	}
}

func TestProcessIncomingMessageFilteredContact(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "hello")

	for _, tc := range []struct {
		phone   string
		contact models.Contact
	}{
		{"+5511911110000", models.Contact{PhoneNumber: "+5511911110000", IsMyContact: true}},
		{"+5511922220000", models.Contact{PhoneNumber: "+5511922220000", IsBlocked: true}},
	} {
		c := tc.contact
		if err := st.CreateContact(&c); err != nil {
			t.Fatalf("CreateContact failed: %v", err)
		}
		resp := eng.ProcessIncomingMessage(inbound("wamid."+tc.phone, tc.phone, "oi", clock.Now()))
		if resp != nil {
			t.Errorf("expected no response for filtered contact %s, got %+v", tc.phone, resp)
		}
	}

	active, err := st.CountSessionsByStatus(models.SessionStatusActive)
	if err != nil {
		t.Fatalf("CountSessionsByStatus failed: %v", err)
	}
	if active != 0 {
		t.Errorf("expected no sessions for filtered contacts, got %d", active)
	}
}

func TestEndToEndFirstMessage(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "Olá {contact_name}! Bem-vindo.")

	resp := eng.ProcessIncomingMessage(models.IncomingMessage{
		ID:        "wamid.ABC",
		From:      "+5511999990000",
		Body:      "oi",
		Type:      models.MessageTypeText,
		Timestamp: clock.Now().Unix(),
	})
	if resp == nil {
		t.Fatal("expected a response descriptor")
	}
	if resp.Body != "Olá Cliente! Bem-vindo." {
		t.Errorf("expected default contact name fallback, got %q", resp.Body)
	}
	if resp.To != "+5511999990000" {
		t.Errorf("unexpected destination %q", resp.To)
	}
	if resp.DelaySeconds != 5 {
		t.Errorf("expected advisory delay 5, got %d", resp.DelaySeconds)
	}

	contact, err := st.GetContact("+5511999990000")
	if err != nil || contact == nil {
		t.Fatalf("expected contact to be created, got %v (err %v)", contact, err)
	}
	sess, err := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Hour))
	if err != nil || sess == nil {
		t.Fatalf("expected an active session, got %v (err %v)", sess, err)
	}
	if sess.CurrentStep != 1 {
		t.Errorf("expected session at step 1 after first reply, got %d", sess.CurrentStep)
	}
	messages, err := st.ListSessionMessages(sess.ID)
	if err != nil {
		t.Fatalf("ListSessionMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected one incoming and one outgoing message, got %d", len(messages))
	}
	if messages[0].Direction != models.DirectionIncoming || messages[0].IsAutomated {
		t.Errorf("first message should be non-automated incoming, got %+v", messages[0])
	}
	if messages[1].Direction != models.DirectionOutgoing || !messages[1].IsAutomated {
		t.Errorf("second message should be automated outgoing, got %+v", messages[1])
	}
}

func TestSessionReuseWindow(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	if err := st.SetConfigValue(config.KeyMaxSessionDuration, "60", "test"); err != nil {
		t.Fatalf("failed to set session timeout: %v", err)
	}
	for step := 0; step < 5; step++ {
		addTemplate(t, st, step, fmt.Sprintf("step {current_step} reply %d", step))
	}

	phone := "+5511999990000"
	if resp := eng.ProcessIncomingMessage(inbound("wamid.1", phone, "a", clock.Now())); resp == nil {
		t.Fatal("expected a response for first message")
	}
	contact, _ := st.GetContact(phone)

	firstSess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Minute))
	if firstSess == nil {
		t.Fatal("expected an active session after first message")
	}

	// 30 seconds later: inside the window, same session.
	clock.Advance(30 * time.Second)
	if resp := eng.ProcessIncomingMessage(inbound("wamid.2", phone, "b", clock.Now())); resp == nil {
		t.Fatal("expected a response for second message")
	}
	sameSess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Minute))
	if sameSess == nil || sameSess.SessionID != firstSess.SessionID {
		t.Errorf("expected session reuse within timeout window, got %v", sameSess)
	}

	// 120 seconds later: outside the window, fresh session at step 0.
	clock.Advance(120 * time.Second)
	if resp := eng.ProcessIncomingMessage(inbound("wamid.3", phone, "c", clock.Now())); resp == nil {
		t.Fatal("expected a response for third message")
	}
	newSess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Minute))
	if newSess == nil {
		t.Fatal("expected a fresh active session")
	}
	if newSess.SessionID == firstSess.SessionID {
		t.Error("expected a new session after the timeout window elapsed")
	}
	if newSess.CurrentStep != 1 {
		t.Errorf("fresh session should restart at step 0 and advance to 1, got %d", newSess.CurrentStep)
	}
}

func TestStepAdvancementAndCompletion(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	for step := 0; step < 3; step++ {
		addTemplate(t, st, step, fmt.Sprintf("reply %d", step))
	}

	phone := "+5511999990000"
	for i, wantStep := range []int{1, 2, 3} {
		resp := eng.ProcessIncomingMessage(inbound(fmt.Sprintf("wamid.%d", i), phone, "x", clock.Now()))
		if resp == nil {
			t.Fatalf("expected response for message %d", i)
		}
		if resp.Body != fmt.Sprintf("reply %d", wantStep-1) {
			t.Errorf("message %d: expected body %q, got %q", i, fmt.Sprintf("reply %d", wantStep-1), resp.Body)
		}
		contact, _ := st.GetContact(phone)
		sess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Hour))
		if sess == nil || sess.CurrentStep != wantStep {
			t.Fatalf("message %d: expected step %d, got %+v", i, wantStep, sess)
		}
		clock.Advance(time.Second)
	}

	// Fourth message: no step-3 template, conversation completes.
	resp := eng.ProcessIncomingMessage(inbound("wamid.final", phone, "x", clock.Now()))
	if resp != nil {
		t.Errorf("expected no response once templates are exhausted, got %+v", resp)
	}
	completed, err := st.CountSessionsByStatus(models.SessionStatusCompleted)
	if err != nil {
		t.Fatalf("CountSessionsByStatus failed: %v", err)
	}
	if completed != 1 {
		t.Errorf("expected 1 completed session, got %d", completed)
	}
	active, _ := st.CountSessionsByStatus(models.SessionStatusActive)
	if active != 0 {
		t.Errorf("expected no active sessions after completion, got %d", active)
	}
}

func TestIdempotentInboundStorage(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "first")
	addTemplate(t, st, 1, "second")

	phone := "+5511999990000"
	msg := inbound("wamid.DUP", phone, "oi", clock.Now())

	if resp := eng.ProcessIncomingMessage(msg); resp == nil || resp.Body != "first" {
		t.Fatalf("expected first reply, got %+v", resp)
	}
	// Redelivery of the same external id: no duplicate row, but the
	// conversation still advances.
	resp := eng.ProcessIncomingMessage(msg)
	if resp == nil || resp.Body != "second" {
		t.Fatalf("expected conversation to advance on duplicate delivery, got %+v", resp)
	}

	contact, _ := st.GetContact(phone)
	sess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Hour))
	if sess == nil {
		t.Fatal("expected an active session")
	}
	messages, _ := st.ListSessionMessages(sess.ID)
	incoming := 0
	for _, m := range messages {
		if m.Direction == models.DirectionIncoming {
			incoming++
		}
	}
	if incoming != 1 {
		t.Errorf("expected exactly one incoming message row, got %d", incoming)
	}
}

// failingTemplateStore makes template lookups fail to exercise the error path.
type failingTemplateStore struct {
	store.Store
}

func (f *failingTemplateStore) GetTemplateByStep(step int) (*models.Template, error) {
	return nil, fmt.Errorf("simulated storage failure")
}

func TestGenerationFailureMarksSessionError(t *testing.T) {
	st := store.NewInMemoryStore()
	wrapped := &failingTemplateStore{Store: st}
	cfg := config.NewStoreProvider(wrapped, config.WithCacheTTL(0))
	eng := New(wrapped, cfg)
	activateChatbot(t, st)

	resp := eng.ProcessIncomingMessage(models.IncomingMessage{
		ID:        "wamid.ERR",
		From:      "+5511999990000",
		Body:      "oi",
		Type:      models.MessageTypeText,
		Timestamp: time.Now().Unix(),
	})
	if resp != nil {
		t.Errorf("expected no response on generation failure, got %+v", resp)
	}
	errored, err := st.CountSessionsByStatus(models.SessionStatusError)
	if err != nil {
		t.Fatalf("CountSessionsByStatus failed: %v", err)
	}
	if errored != 1 {
		t.Errorf("expected 1 errored session, got %d", errored)
	}
}

func TestCleanupInclusiveBoundary(t *testing.T) {
	eng, st, clock := newTestEngine(t)

	contact := &models.Contact{PhoneNumber: "+5511999990000"}
	if err := st.CreateContact(contact); err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}

	mkSession := func(id string, lastActivity time.Time) {
		t.Helper()
		err := st.CreateSession(&models.Session{
			ContactID:    contact.ID,
			SessionID:    id,
			Status:       models.SessionStatusActive,
			StartedAt:    lastActivity,
			LastActivity: lastActivity,
		})
		if err != nil {
			t.Fatalf("CreateSession %s failed: %v", id, err)
		}
	}

	// Exactly 7 days old: included. Slightly newer: kept.
	mkSession("boundary", clock.Now().AddDate(0, 0, -7))
	mkSession("older", clock.Now().AddDate(0, 0, -10))
	mkSession("fresh", clock.Now().Add(-time.Hour))

	count, err := eng.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 sessions cleaned up (inclusive boundary), got %d", count)
	}

	if _, err := eng.Cleanup(0); err != models.ErrInvalidCleanupDays {
		t.Errorf("expected ErrInvalidCleanupDays for days=0, got %v", err)
	}
}

func TestBlockContactPausesSessions(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "hi")
	addTemplate(t, st, 1, "again")

	phone := "+5511999990000"
	if resp := eng.ProcessIncomingMessage(inbound("wamid.1", phone, "oi", clock.Now())); resp == nil {
		t.Fatal("expected a response before blocking")
	}

	contact, err := eng.BlockContact(phone)
	if err != nil {
		t.Fatalf("BlockContact failed: %v", err)
	}
	if !contact.IsBlocked {
		t.Error("expected contact to be marked blocked")
	}
	paused, _ := st.CountSessionsByStatus(models.SessionStatusPaused)
	if paused != 1 {
		t.Errorf("expected 1 paused session, got %d", paused)
	}

	if resp := eng.ProcessIncomingMessage(inbound("wamid.2", phone, "oi", clock.Now())); resp != nil {
		t.Errorf("expected no response after blocking, got %+v", resp)
	}
}

func TestStats(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "hi")

	if resp := eng.ProcessIncomingMessage(inbound("wamid.1", "+5511999990000", "oi", clock.Now())); resp == nil {
		t.Fatal("expected a response")
	}
	if _, err := eng.UpsertContact(models.ContactUpsertRequest{PhoneNumber: "+5511888880000", IsMyContact: models.BoolPtr(true)}); err != nil {
		t.Fatalf("UpsertContact failed: %v", err)
	}

	stats, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", stats.ActiveSessions)
	}
	if stats.TotalContacts != 2 {
		t.Errorf("expected 2 contacts, got %d", stats.TotalContacts)
	}
	if stats.FilteredContacts != 1 {
		t.Errorf("expected 1 filtered contact, got %d", stats.FilteredContacts)
	}
	if stats.MessagesToday != 2 {
		t.Errorf("expected 2 messages today, got %d", stats.MessagesToday)
	}
	if stats.AutomatedMessagesToday != 1 {
		t.Errorf("expected 1 automated message today, got %d", stats.AutomatedMessagesToday)
	}
}

func TestUpsertContactPreservesFilterFlags(t *testing.T) {
	eng, st, clock := newTestEngine(t)
	activateChatbot(t, st)
	addTemplate(t, st, 0, "hi")

	phone := "+5511999990000"
	if _, err := eng.BlockContact(phone); err != nil {
		t.Fatalf("BlockContact failed: %v", err)
	}

	// Name-only upsert: both flags omitted, the block must survive.
	contact, err := eng.UpsertContact(models.ContactUpsertRequest{PhoneNumber: phone, Name: "Ana"})
	if err != nil {
		t.Fatalf("UpsertContact failed: %v", err)
	}
	if contact.Name != "Ana" {
		t.Errorf("expected name update, got %q", contact.Name)
	}
	if !contact.IsBlocked {
		t.Error("expected contact to remain blocked after name-only upsert")
	}
	if resp := eng.ProcessIncomingMessage(inbound("wamid.1", phone, "oi", clock.Now())); resp != nil {
		t.Errorf("expected no automated reply for still-blocked contact, got %+v", resp)
	}

	// Explicit flags still apply.
	contact, err = eng.UpsertContact(models.ContactUpsertRequest{
		PhoneNumber: phone,
		IsMyContact: models.BoolPtr(true),
		IsBlocked:   models.BoolPtr(false),
	})
	if err != nil {
		t.Fatalf("UpsertContact failed: %v", err)
	}
	if !contact.IsMyContact || contact.IsBlocked {
		t.Errorf("expected explicit flags to take effect, got %+v", contact)
	}
}

func TestSendTextMessageRecordsManualSend(t *testing.T) {
	sender := delivery.NewMockSender()
	eng, st, clock := newTestEngine(t, WithSender(sender))

	res := eng.SendTextMessage(context.Background(), "11999990000", "manual hello")
	if !res.Success {
		t.Fatalf("expected successful delivery, got %+v", res)
	}
	if len(sender.Texts) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sender.Texts))
	}
	// Default country code applied before delivery.
	if sender.Texts[0].To != "+5511999990000" {
		t.Errorf("expected normalized destination, got %q", sender.Texts[0].To)
	}

	contact, err := st.GetContact("+5511999990000")
	if err != nil || contact == nil {
		t.Fatalf("expected contact record for manual send, got %v (err %v)", contact, err)
	}
	sess, _ := st.GetActiveSession(contact.ID, clock.Now().Add(-time.Hour))
	if sess == nil {
		t.Fatal("expected a session for the manual send")
	}
	messages, _ := st.ListSessionMessages(sess.ID)
	if len(messages) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(messages))
	}
	if messages[0].IsAutomated {
		t.Error("manual sends must not be flagged automated")
	}
	if messages[0].Direction != models.DirectionOutgoing {
		t.Errorf("expected outgoing direction, got %s", messages[0].Direction)
	}
}

func TestSendTextMessageWithoutSender(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	res := eng.SendTextMessage(context.Background(), "+5511999990000", "hello")
	if res.Success {
		t.Error("expected failure without a configured sender")
	}
}
