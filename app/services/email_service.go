package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/utils"
)

// SendGridEmailProvider sends email through a SendGrid compatible v3 API
type SendGridEmailProvider struct {
	config *config.EmailConfig
	client *http.Client
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

func NewSendGridEmailProvider(cfg *config.EmailConfig) *SendGridEmailProvider {
	return &SendGridEmailProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (s *SendGridEmailProvider) Name() string { return ServiceSendGrid }

// SendEmail sends one email; the provider id comes from the X-Message-Id header
func (s *SendGridEmailProvider) SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResult, error) {
	return timedCall(s.Name(), func() (*ProviderResult, error) {
		payload := sendGridRequest{
			Personalizations: []sendGridPersonalization{{
				To:         []sendGridAddress{{Email: msg.RecipientToken}},
				CustomArgs: map[string]string{"reference": msg.Reference},
			}},
			From:    sendGridAddress{Email: s.config.FromEmail, Name: s.config.FromName},
			Subject: msg.Subject,
			Content: []sendGridContent{{Type: "text/plain", Value: msg.Body}},
		}
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal email request: %w", err)
		}

		endpoint := baseURL(s.config.ProviderDomain) + "/v3/mail/send"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(requestBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return transportFailure(s.Name(), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusFailure(s.Name(), resp)
		}

		id := resp.Header.Get("X-Message-Id")
		if id == "" {
			return failedResult(s.Name(), &ProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Retryable: true, Message: "accepted without message id"})
		}
		return &ProviderResult{Success: true, ProviderID: id, ProviderName: s.Name()}, nil
	})
}

// MockEmailProvider implements EmailProvider for testing and local runs
type MockEmailProvider struct {
	mu         sync.Mutex
	SentEmails []MockEmailMessage
	Fail       func(msg EmailMessage) error
}

type MockEmailMessage struct {
	EmailMessage
	ProviderID string
}

func NewMockEmailProvider() *MockEmailProvider {
	return &MockEmailProvider{SentEmails: make([]MockEmailMessage, 0)}
}

func (m *MockEmailProvider) Name() string { return ServiceSendGrid }

func (m *MockEmailProvider) SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResult, error) {
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

	id := fmt.Sprintf("em-%d-%d", utils.UTCNow().UnixNano(), len(m.SentEmails))
	m.SentEmails = append(m.SentEmails, MockEmailMessage{EmailMessage: msg, ProviderID: id})
	return &ProviderResult{Success: true, ProviderID: id, ProviderName: m.Name()}, nil
}

func (m *MockEmailProvider) GetSentEmails() []MockEmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockEmailMessage(nil), m.SentEmails...)
}
