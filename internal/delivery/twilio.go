package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioClient sends WhatsApp messages through the Twilio REST API. It is an
// alternative provider backend for deployments that route WhatsApp through
// Twilio instead of the Cloud API.
type TwilioClient struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// TwilioOpts holds configuration options for the Twilio client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// TwilioOption defines a configuration option for the Twilio client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// NewTwilioClient creates a Twilio-backed sender. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioClient{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendText delivers a free-text message via Twilio.
func (c *TwilioClient) SendText(ctx context.Context, phone, body string) Result {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + phone)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendText failed", "to", phone, "error", err)
		return failure(fmt.Errorf("failed to send message to %s: %w", phone, err))
	}

	var messageID string
	if resp.Sid != nil {
		messageID = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", phone, "sid", messageID)
	return Result{Success: true, MessageID: messageID}
}

// SendTemplate delivers a templated message. Twilio's Go SDK has no
// first-class WhatsApp template support, so the template name and parameters
// are rendered into a plain text body.
func (c *TwilioClient) SendTemplate(ctx context.Context, phone, templateName, languageCode string, params []string) Result {
	body := templateName
	if len(params) > 0 {
		body = fmt.Sprintf("%s: %s", templateName, strings.Join(params, ", "))
	}
	res := c.SendText(ctx, phone, body)
	if !res.Success {
		slog.Error("Twilio template send failed", "to", phone, "template", templateName, "error", res.Error)
	}
	return res
}

// Compile-time check that TwilioClient implements Sender.
var _ Sender = (*TwilioClient)(nil)
