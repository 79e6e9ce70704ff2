// Package services provides external service integrations and technical concerns like providers, breakers and tokens
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/utils"
)

// TwilioSMSProvider sends SMS through a Twilio compatible REST API
type TwilioSMSProvider struct {
	config *config.SMSConfig
	client *http.Client
}

// twilioMessageResponse is the subset of the Messages resource we read
type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// NewTwilioSMSProvider creates a new SMS provider instance
func NewTwilioSMSProvider(cfg *config.SMSConfig) *TwilioSMSProvider {
	return &TwilioSMSProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (s *TwilioSMSProvider) Name() string { return ServiceTwilio }

// SendSMS sends an SMS message
func (s *TwilioSMSProvider) SendSMS(ctx context.Context, msg SMSMessage) (*ProviderResult, error) {
	return timedCall(s.Name(), func() (*ProviderResult, error) {
		form := url.Values{}
		form.Set("To", msg.RecipientToken)
		form.Set("From", s.config.SourceNumber)
		form.Set("Body", msg.Body)

		endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", baseURL(s.config.ProviderDomain), s.config.AccountSID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(s.config.AccountSID, s.config.APIKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return transportFailure(s.Name(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusFailure(s.Name(), resp)
		}

		var body twilioMessageResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return failedResult(s.Name(), &ProviderError{Provider: s.Name(), Retryable: true, Message: "undecodable response", Err: err})
		}
		if body.ErrorCode != nil || body.Status == "failed" || body.Status == "undelivered" {
			return failedResult(s.Name(), &ProviderError{Provider: s.Name(), Message: fmt.Sprintf("message %s: %s", body.Status, body.ErrorMessage)})
		}

		return &ProviderResult{Success: true, ProviderID: body.SID, ProviderName: s.Name()}, nil
	})
}

// MockSMSProvider implements SMSProvider for testing and local runs
type MockSMSProvider struct {
	mu           sync.Mutex
	SentMessages []MockSMSMessage
	// Fail, when set, decides the outcome of each send
	Fail func(msg SMSMessage) error
}

// MockSMSMessage represents a mock SMS message
type MockSMSMessage struct {
	SMSMessage
	ProviderID string
}

// NewMockSMSProvider creates a new mock SMS provider
func NewMockSMSProvider() *MockSMSProvider {
	return &MockSMSProvider{
		SentMessages: make([]MockSMSMessage, 0),
	}
}

func (m *MockSMSProvider) Name() string { return ServiceTwilio }

// SendSMS records a mock SMS message
func (m *MockSMSProvider) SendSMS(ctx context.Context, msg SMSMessage) (*ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		if err := m.Fail(msg); err != nil {
			perr, ok := err.(*ProviderError)
			if !ok {
				perr = &ProviderError{Provider: m.Name(), Retryable: true, Message: "mock failure", Err: err}
			}
			return failedResult(m.Name(), perr)
		}
	}

	id := fmt.Sprintf("SM%d%d", utils.UTCNow().UnixNano(), len(m.SentMessages))
	m.SentMessages = append(m.SentMessages, MockSMSMessage{SMSMessage: msg, ProviderID: id})
	return &ProviderResult{Success: true, ProviderID: id, ProviderName: m.Name()}, nil
}

// GetSentMessages returns all sent mock messages
func (m *MockSMSProvider) GetSentMessages() []MockSMSMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSMSMessage(nil), m.SentMessages...)
}

// ClearSentMessages clears the sent messages list
func (m *MockSMSProvider) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]MockSMSMessage, 0)
}
