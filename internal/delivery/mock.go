package delivery

import (
	"context"
	"fmt"
	"sync"
)

// SentText records one SendText call on a MockSender.
type SentText struct {
	To   string
	Body string
}

// SentTemplate records one SendTemplate call on a MockSender.
type SentTemplate struct {
	To           string
	TemplateName string
	LanguageCode string
	Params       []string
}

// MockSender records deliveries for tests instead of performing them.
type MockSender struct {
	mu            sync.Mutex
	Texts         []SentText
	Templates     []SentTemplate
	// FailNext makes the next call report a failed Result.
	FailNext bool
	// NextMessageID, when set, is returned as the provider message id.
	NextMessageID string

	counter int
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) nextResult() Result {
	if m.FailNext {
		m.FailNext = false
		return Result{Success: false, Error: "mock delivery failure"}
	}
	id := m.NextMessageID
	if id == "" {
		m.counter++
		id = fmt.Sprintf("mock-msg-%d", m.counter)
	}
	return Result{Success: true, MessageID: id}
}

// SendText records the call and returns a canned result.
func (m *MockSender) SendText(ctx context.Context, phone, body string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Texts = append(m.Texts, SentText{To: phone, Body: body})
	return m.nextResult()
}

// SendTemplate records the call and returns a canned result.
func (m *MockSender) SendTemplate(ctx context.Context, phone, templateName, languageCode string, params []string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Templates = append(m.Templates, SentTemplate{
		To:           phone,
		TemplateName: templateName,
		LanguageCode: languageCode,
		Params:       append([]string(nil), params...),
	})
	return m.nextResult()
}

// Compile-time check that MockSender implements Sender.
var _ Sender = (*MockSender)(nil)
