package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	// DefaultGraphBaseURL is the Meta Graph API endpoint prefix.
	DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"
	// DefaultRequestTimeout bounds each outbound HTTP call.
	DefaultRequestTimeout = 30 * time.Second
)

// CloudClient sends messages through the WhatsApp Business Cloud API.
type CloudClient struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
}

// CloudOption configures a CloudClient.
type CloudOption func(*CloudClient)

// WithAccessToken sets the Cloud API access token explicitly.
func WithAccessToken(token string) CloudOption {
	return func(c *CloudClient) {
		c.accessToken = token
	}
}

// WithPhoneNumberID sets the Cloud API phone number id explicitly.
func WithPhoneNumberID(id string) CloudOption {
	return func(c *CloudClient) {
		c.phoneNumberID = id
	}
}

// WithBaseURL overrides the Graph API base URL, mainly for tests.
func WithBaseURL(url string) CloudOption {
	return func(c *CloudClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) CloudOption {
	return func(c *CloudClient) {
		c.httpClient = client
	}
}

// NewCloudClient creates a Cloud API sender. Credentials fall back to the
// WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID environment variables
// when not set via options.
func NewCloudClient(opts ...CloudOption) (*CloudClient, error) {
	c := &CloudClient{
		baseURL:    DefaultGraphBaseURL,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.accessToken == "" {
		c.accessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if c.phoneNumberID == "" {
		c.phoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	if c.accessToken == "" || c.phoneNumberID == "" {
		slog.Error("CloudClient missing credentials",
			"token_set", c.accessToken != "", "phone_number_id_set", c.phoneNumberID != "")
		return nil, fmt.Errorf("whatsapp cloud api credentials not set")
	}
	slog.Debug("CloudClient initialized", "baseURL", c.baseURL, "phoneNumberID", c.phoneNumberID)
	return c, nil
}

// graph API payload shapes
type cloudTextPayload struct {
	MessagingProduct string    `json:"messaging_product"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             cloudText `json:"text"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudTemplatePayload struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Template         cloudTemplate `json:"template"`
}

type cloudTemplate struct {
	Name       string           `json:"name"`
	Language   cloudLanguage    `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudLanguage struct {
	Code string `json:"code"`
}

type cloudComponent struct {
	Type       string           `json:"type"`
	Parameters []cloudParameter `json:"parameters"`
}

type cloudParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers a free-text message via the Cloud API.
func (c *CloudClient) SendText(ctx context.Context, phone, body string) Result {
	payload := cloudTextPayload{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "text",
		Text:             cloudText{Body: body},
	}
	return c.post(ctx, phone, payload)
}

// SendTemplate delivers a provider-side template with ordered body parameters.
func (c *CloudClient) SendTemplate(ctx context.Context, phone, templateName, languageCode string, params []string) Result {
	if languageCode == "" {
		languageCode = "pt_BR"
	}
	tmpl := cloudTemplate{
		Name:     templateName,
		Language: cloudLanguage{Code: languageCode},
	}
	if len(params) > 0 {
		component := cloudComponent{Type: "body"}
		for _, p := range params {
			component.Parameters = append(component.Parameters, cloudParameter{Type: "text", Text: p})
		}
		tmpl.Components = []cloudComponent{component}
	}
	payload := cloudTemplatePayload{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "template",
		Template:         tmpl,
	}
	res := c.post(ctx, phone, payload)
	if !res.Success {
		slog.Error("Cloud API template send failed", "to", phone, "template", templateName, "error", res.Error)
	}
	return res
}

// post performs one bounded HTTP exchange with the Graph API.
func (c *CloudClient) post(ctx context.Context, phone string, payload interface{}) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(fmt.Errorf("failed to encode payload: %w", err))
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Cloud API request failed", "to", phone, "error", err)
		return failure(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to read response: %v", err), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("Cloud API returned non-200", "to", phone, "status", resp.StatusCode, "body", string(raw))
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("provider returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Raw:        string(raw),
		}
	}

	var parsed cloudResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		slog.Error("Cloud API response unparseable", "to", phone, "error", err)
		return Result{Success: false, Error: fmt.Sprintf("unparseable response: %v", err), StatusCode: resp.StatusCode, Raw: string(raw)}
	}

	var messageID string
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}
	slog.Debug("Cloud API send succeeded", "to", phone, "messageID", messageID)
	return Result{Success: true, MessageID: messageID, StatusCode: resp.StatusCode, Raw: string(raw)}
}

// Compile-time check that CloudClient implements Sender.
var _ Sender = (*CloudClient)(nil)
