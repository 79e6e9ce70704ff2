package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/vendor-relay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwilioSMSProvider_SendSMS(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantSuccess   bool
		wantRetryable bool
		wantID        string
	}{
		{name: "accepted", status: http.StatusCreated, body: `{"sid":"SM123","status":"queued"}`, wantSuccess: true, wantID: "SM123"},
		{name: "invalid number", status: http.StatusBadRequest, body: `{"code":21211}`, wantSuccess: false, wantRetryable: false},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`, wantSuccess: false, wantRetryable: true},
		{name: "server error", status: http.StatusBadGateway, body: `{}`, wantSuccess: false, wantRetryable: true},
		{name: "failed status", status: http.StatusOK, body: `{"sid":"SM9","status":"failed","error_code":30003,"error_message":"unreachable"}`, wantSuccess: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
				user, pass, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "AC1", user)
				assert.Equal(t, "key", pass)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "tok_abcdefgh", r.PostForm.Get("To"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewTwilioSMSProvider(&config.SMSConfig{
				ProviderDomain: server.URL,
				AccountSID:     "AC1",
				APIKey:         "key",
				SourceNumber:   "+15550001111",
				Timeout:        time.Second,
			})

			res, err := provider.SendSMS(context.Background(), SMSMessage{RecipientToken: "tok_abcdefgh", Body: "hi"})
			require.NotNil(t, res)
			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, ServiceTwilio, res.ProviderName)
			if tt.wantSuccess {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, res.ProviderID)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProviderFailure)
			assert.Equal(t, tt.wantRetryable, res.Retryable)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestTwilioSMSProvider_TimeoutIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider := NewTwilioSMSProvider(&config.SMSConfig{ProviderDomain: server.URL, AccountSID: "AC1", Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := provider.SendSMS(ctx, SMSMessage{RecipientToken: "tok_abcdefgh", Body: "hi"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, res.Retryable)
}

func TestSendGridEmailProvider_SendEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		w.Header().Set("X-Message-Id", "sg-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := NewSendGridEmailProvider(&config.EmailConfig{ProviderDomain: server.URL, APIKey: "sg-key", FromEmail: "noreply@example.org", Timeout: time.Second})
	res, err := provider.SendEmail(context.Background(), EmailMessage{RecipientToken: "tok_abcdefgh", Subject: "Hi", Body: "Body"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sg-42", res.ProviderID)
	assert.Equal(t, ServiceSendGrid, res.ProviderName)
}

func TestMockProviders(t *testing.T) {
	sms := NewMockSMSProvider()
	res, err := sms.SendSMS(context.Background(), SMSMessage{RecipientToken: "tok_abcdefgh", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, sms.GetSentMessages(), 1)

	sms.Fail = func(SMSMessage) error {
		return &ProviderError{Provider: ServiceTwilio, StatusCode: 400, Message: "bad"}
	}
	res, err = sms.SendSMS(context.Background(), SMSMessage{RecipientToken: "tok_abcdefgh", Body: "hi"})
	require.Error(t, err)
	assert.False(t, res.Retryable)
	assert.Len(t, sms.GetSentMessages(), 1)

	email := NewMockEmailProvider()
	res, err = email.SendEmail(context.Background(), EmailMessage{RecipientToken: "tok_abcdefgh", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProviderID)
}

func TestPricingService_EstimateCost(t *testing.T) {
	pricing := NewPricingService(config.PricingConfig{EmailUnitPrice: 0.001, SMSUnitPrice: 0.0075})
	assert.InDelta(t, 0.075, pricing.EstimateCost("SMS", 10), 1e-9)
	assert.InDelta(t, 10.0, pricing.EstimateCost("EMAIL", 10000), 1e-9)
	assert.Zero(t, pricing.EstimateCost("SMS", 0))
}
