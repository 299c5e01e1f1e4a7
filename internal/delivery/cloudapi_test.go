package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCloudClient(t *testing.T, handler http.HandlerFunc) *CloudClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewCloudClient(
		WithAccessToken("test-token"),
		WithPhoneNumberID("12345"),
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewCloudClient failed: %v", err)
	}
	return client
}

func TestCloudClientSendTextSuccess(t *testing.T) {
	var gotAuth string
	var gotPayload cloudTextPayload
	client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"messages": [{"id": "wamid.OUT1"}]}`)); err != nil {
			t.Error(err)
		}
	})

	res := client.SendText(context.Background(), "+5511999990000", "hello")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID != "wamid.OUT1" {
		t.Errorf("expected provider message id, got %q", res.MessageID)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
	if gotPayload.MessagingProduct != "whatsapp" || gotPayload.To != "+5511999990000" || gotPayload.Text.Body != "hello" {
		t.Errorf("unexpected payload: %+v", gotPayload)
	}
}

func TestCloudClientSendTextProviderError(t *testing.T) {
	client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		if _, err := w.Write([]byte(`{"error": {"message": "bad token"}}`)); err != nil {
			t.Error(err)
		}
	})

	res := client.SendText(context.Background(), "+5511999990000", "hello")
	if res.Success {
		t.Fatal("expected failure on non-200 response")
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401 in result, got %d", res.StatusCode)
	}
	if res.Error == "" {
		t.Error("expected error text in result")
	}
	if res.Raw == "" {
		t.Error("expected raw provider body in result")
	}
}

func TestCloudClientSendTemplatePayload(t *testing.T) {
	var gotPayload cloudTemplatePayload
	client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		if _, err := w.Write([]byte(`{"messages": [{"id": "wamid.T1"}]}`)); err != nil {
			t.Error(err)
		}
	})

	res := client.SendTemplate(context.Background(), "+5511999990000", "order_update", "", []string{"42", "amanhã"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if gotPayload.Type != "template" || gotPayload.Template.Name != "order_update" {
		t.Errorf("unexpected payload: %+v", gotPayload)
	}
	if gotPayload.Template.Language.Code != "pt_BR" {
		t.Errorf("expected default language pt_BR, got %q", gotPayload.Template.Language.Code)
	}
	if len(gotPayload.Template.Components) != 1 || len(gotPayload.Template.Components[0].Parameters) != 2 {
		t.Errorf("unexpected components: %+v", gotPayload.Template.Components)
	}
}

func TestCloudClientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, err := NewCloudClient(
		WithAccessToken("test-token"),
		WithPhoneNumberID("12345"),
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatal(err)
	}
	srv.Close()

	res := client.SendText(context.Background(), "+5511999990000", "hello")
	if res.Success {
		t.Fatal("expected failure when the provider is unreachable")
	}
	if res.Error == "" {
		t.Error("expected error text in result")
	}
}

func TestNewCloudClientRequiresCredentials(t *testing.T) {
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "")
	if _, err := NewCloudClient(); err == nil {
		t.Error("expected error without credentials")
	}
}
