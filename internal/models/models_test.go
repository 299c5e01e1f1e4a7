package models

import (
	"strings"
	"testing"
)

func TestValidPhoneNumber(t *testing.T) {
	cases := []struct {
		phone string
		want  bool
	}{
		{"+5511999990000", true},
		{"11 99999-0000", true},
		{"5511999990000", true},
		{"", false},
		{"abc123", false},
		{"+55(11)999990000", false},
	}
	for _, tc := range cases {
		if got := ValidPhoneNumber(tc.phone); got != tc.want {
			t.Errorf("ValidPhoneNumber(%q) = %t, want %t", tc.phone, got, tc.want)
		}
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		phone       string
		countryCode string
		want        string
	}{
		{"+5511999990000", "+55", "+5511999990000"},
		{"11999990000", "+55", "+5511999990000"},
		{"011999990000", "+55", "+5511999990000"},
		{"11999990000", "", "+5511999990000"},
		{"  11999990000 ", "+55", "+5511999990000"},
		{"", "+55", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhoneNumber(tc.phone, tc.countryCode); got != tc.want {
			t.Errorf("NormalizePhoneNumber(%q, %q) = %q, want %q", tc.phone, tc.countryCode, got, tc.want)
		}
	}
}

func TestContactDisplayName(t *testing.T) {
	named := Contact{Name: "Ana"}
	if named.DisplayName() != "Ana" {
		t.Errorf("expected Ana, got %q", named.DisplayName())
	}
	unnamed := Contact{}
	if unnamed.DisplayName() != DefaultContactName {
		t.Errorf("expected default name, got %q", unnamed.DisplayName())
	}
}

func TestContactFiltered(t *testing.T) {
	cases := []struct {
		contact Contact
		want    bool
	}{
		{Contact{}, false},
		{Contact{IsMyContact: true}, true},
		{Contact{IsBlocked: true}, true},
		{Contact{IsMyContact: true, IsBlocked: true}, true},
	}
	for _, tc := range cases {
		if got := tc.contact.Filtered(); got != tc.want {
			t.Errorf("Filtered(%+v) = %t, want %t", tc.contact, got, tc.want)
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	valid := Template{Name: "welcome", StepNumber: 0, Content: "hi", DelaySeconds: 5}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid template, got %v", err)
	}

	cases := []struct {
		name string
		tmpl Template
		want error
	}{
		{"empty name", Template{Content: "hi"}, ErrEmptyTemplateName},
		{"empty content", Template{Name: "x"}, ErrEmptyTemplateContent},
		{"content too long", Template{Name: "x", Content: strings.Repeat("a", MaxTemplateContentLength+1)}, ErrTemplateContentTooLong},
		{"negative step", Template{Name: "x", Content: "hi", StepNumber: -1}, ErrNegativeStepNumber},
		{"negative delay", Template{Name: "x", Content: "hi", DelaySeconds: -1}, ErrNegativeDelay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.tmpl.Validate(); err != tc.want {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestIncomingMessageValidate(t *testing.T) {
	valid := IncomingMessage{ID: "wamid.1", From: "+5511999990000", Body: "oi", Type: MessageTypeText, Timestamp: 1700000000}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}

	cases := []struct {
		name string
		msg  IncomingMessage
	}{
		{"missing from", IncomingMessage{ID: "wamid.1"}},
		{"invalid phone", IncomingMessage{ID: "wamid.1", From: "not-a-phone!"}},
		{"missing id", IncomingMessage{From: "+5511999990000"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSendMessageRequestValidate(t *testing.T) {
	text := SendMessageRequest{PhoneNumber: "+5511999990000", Message: "hi"}
	if err := text.Validate(); err != nil {
		t.Errorf("expected valid text request, got %v", err)
	}
	tmpl := SendMessageRequest{PhoneNumber: "+5511999990000", TemplateName: "order_update"}
	if err := tmpl.Validate(); err != nil {
		t.Errorf("expected valid template request, got %v", err)
	}
	neither := SendMessageRequest{PhoneNumber: "+5511999990000"}
	if err := neither.Validate(); err != ErrEmptyMessageBody {
		t.Errorf("expected ErrEmptyMessageBody, got %v", err)
	}
}
