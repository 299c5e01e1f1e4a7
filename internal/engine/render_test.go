package engine

import (
	"testing"

	"github.com/hoztech/whatsflow/internal/models"
)

func TestRenderTolerant(t *testing.T) {
	cases := []struct {
		name string
		body string
		ctx  map[string]string
		want string
	}{
		{
			name: "all placeholders resolved",
			body: "Hello {name}, step {step}",
			ctx:  map[string]string{"name": "Ana", "step": "2"},
			want: "Hello Ana, step 2",
		},
		{
			name: "missing key stays literal",
			body: "Hello {name}, your code is {code}",
			ctx:  map[string]string{"name": "Ana"},
			want: "Hello Ana, your code is {code}",
		},
		{
			name: "empty context leaves body untouched",
			body: "Hello {name}",
			ctx:  nil,
			want: "Hello {name}",
		},
		{
			name: "repeated placeholder",
			body: "{name} and {name}",
			ctx:  map[string]string{"name": "Ana"},
			want: "Ana and Ana",
		},
		{
			name: "no placeholders",
			body: "plain text",
			ctx:  map[string]string{"name": "Ana"},
			want: "plain text",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.body, tc.ctx); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

func TestBuildRenderContext(t *testing.T) {
	contact := &models.Contact{PhoneNumber: "+5511999990000"}
	sess := &models.Session{
		SessionID:   "session_1_100",
		CurrentStep: 2,
		ContextData: map[string]string{"pedido": "42"},
	}

	ctx := buildRenderContext(contact, sess)
	if ctx["contact_name"] != models.DefaultContactName {
		t.Errorf("expected default contact name, got %q", ctx["contact_name"])
	}
	if ctx["phone_number"] != "+5511999990000" {
		t.Errorf("unexpected phone_number %q", ctx["phone_number"])
	}
	if ctx["current_step"] != "2" {
		t.Errorf("unexpected current_step %q", ctx["current_step"])
	}
	if ctx["session_id"] != "session_1_100" {
		t.Errorf("unexpected session_id %q", ctx["session_id"])
	}
	if ctx["pedido"] != "42" {
		t.Errorf("session context data missing, got %q", ctx["pedido"])
	}
}

func TestBuildRenderContextSessionOverridesBuiltins(t *testing.T) {
	contact := &models.Contact{PhoneNumber: "+5511999990000", Name: "Ana"}
	sess := &models.Session{
		SessionID:   "session_1_100",
		ContextData: map[string]string{"contact_name": "Apelido"},
	}

	ctx := buildRenderContext(contact, sess)
	if ctx["contact_name"] != "Apelido" {
		t.Errorf("session context should win on collision, got %q", ctx["contact_name"])
	}
}
