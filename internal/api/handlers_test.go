package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sosmoto/sosmoto-service/internal/app"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookStub struct {
	received []app.WebhookNotification
	err      error
}

func (s *webhookStub) HandleNotification(ctx context.Context, n app.WebhookNotification) (app.WebhookResult, error) {
	s.received = append(s.received, n)
	if s.err != nil {
		return app.WebhookResult{}, s.err
	}
	return app.WebhookResult{Outcome: app.WebhookRecorded, PaymentID: n.DataID, CorrelationID: "corr-1"}, nil
}

type checkoutStub struct {
	req    app.CheckoutRequest
	result *app.CheckoutResult
	err    error
}

func (s *checkoutStub) CreateCheckout(ctx context.Context, req app.CheckoutRequest) (*app.CheckoutResult, error) {
	s.req = req
	return s.result, s.err
}

type profileStub struct {
	profiles map[string]*domain.Profile
	err      error
}

func (s *profileStub) GetActiveProfile(ctx context.Context, uniqueURL string) (*domain.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[uniqueURL]
	if !ok {
		return nil, app.ErrProfileUnavailable
	}
	return p, nil
}

type routerFixture struct {
	webhooks *webhookStub
	checkout *checkoutStub
	profiles *profileStub
	router   http.Handler
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		webhooks: &webhookStub{},
		checkout: &checkoutStub{result: &app.CheckoutResult{UniqueURL: "abc123", PreferenceID: "pref-1", InitPoint: "https://mp.example/pref-1", Amount: 5500}},
		profiles: &profileStub{profiles: map[string]*domain.Profile{}},
	}
	h := NewHandlers(f.webhooks, f.checkout, f.profiles, logging.Discard())
	f.router = NewRouter(h, nil, []string{"https://sosmoto.example"})
	return f
}

func (f *routerFixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_PassesNotificationThrough(t *testing.T) {
	f := newRouterFixture()
	rec := f.do(http.MethodPost, "/webhook", `{"id":1,"type":"payment","action":"payment.updated","data":{"id":123456}}`, map[string]string{
		"X-Signature":  "ts=1,v1=abc",
		"X-Request-Id": "req-1",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.webhooks.received, 1)
	n := f.webhooks.received[0]
	assert.Equal(t, "123456", n.DataID)
	assert.Equal(t, "payment", n.Type)
	assert.Equal(t, "payment.updated", n.Action)
	assert.Equal(t, "ts=1,v1=abc", n.Signature)
	assert.Equal(t, "req-1", n.RequestID)
}

func TestWebhookHandler_ReadsDataIDFromQuery(t *testing.T) {
	f := newRouterFixture()
	rec := f.do(http.MethodPost, "/webhook?data.id=777&type=payment", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.webhooks.received, 1)
	assert.Equal(t, "777", f.webhooks.received[0].DataID)
	assert.Equal(t, "payment", f.webhooks.received[0].Type)
}

func TestWebhookHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, body: "", want: http.StatusMethodNotAllowed},
		{name: "malformed body", method: http.MethodPost, body: `{"data":`, want: http.StatusBadRequest},
		{name: "missing data id", method: http.MethodPost, body: `{"type":"payment","data":{}}`, want: http.StatusBadRequest},
		{name: "bad signature", method: http.MethodPost, body: `{"data":{"id":"1"}}`, err: domain.Unauthenticated("verify", assert.AnError), want: http.StatusUnauthorized},
		{name: "invalid provider payload", method: http.MethodPost, body: `{"data":{"id":"1"}}`, err: domain.Invalid("validate", assert.AnError), want: http.StatusBadRequest},
		{name: "provider down", method: http.MethodPost, body: `{"data":{"id":"1"}}`, err: domain.Transient("fetch", assert.AnError), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			f.webhooks.err = tt.err
			rec := f.do(tt.method, "/webhook", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
		})
	}
}

func TestCheckoutHandler_CreatesCheckout(t *testing.T) {
	f := newRouterFixture()
	body := `{"personal_data":{"name":"Ana","email":"ana@example.com"},"plan_type":"basic","device_id":"dev-1"}`
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "dev-1", f.checkout.req.DeviceID)
	assert.Equal(t, "203.0.113.9", f.checkout.req.ClientIP)
	assert.Equal(t, "Ana", f.checkout.req.ProfileData.PersonalData.Name)
	assert.Equal(t, domain.PlanBasic, f.checkout.req.ProfileData.PlanType)

	var result app.CheckoutResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "abc123", result.UniqueURL)
	assert.Equal(t, "https://mp.example/pref-1", result.InitPoint)
}

func TestCheckoutHandler_Errors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		f := newRouterFixture()
		f.checkout.err = &app.RateLimitError{RetryAfterSeconds: 30}
		rec := f.do(http.MethodPost, "/checkout", `{}`, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	})

	t.Run("validation problems", func(t *testing.T) {
		f := newRouterFixture()
		f.checkout.err = &domain.ValidationError{Problems: []domain.FieldProblem{{Field: "personal_data.email", Message: "must be a valid email address"}}}
		rec := f.do(http.MethodPost, "/checkout", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "personal_data.email")
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f := newRouterFixture()
		f.checkout.err = domain.Transient("create checkout preference", assert.AnError)
		rec := f.do(http.MethodPost, "/checkout", `{}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	})

	t.Run("bad json", func(t *testing.T) {
		f := newRouterFixture()
		rec := f.do(http.MethodPost, "/checkout", `nope`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetProfileHandler(t *testing.T) {
	f := newRouterFixture()
	f.profiles.profiles["abc123"] = &domain.Profile{
		ProfileData: domain.ProfileData{
			PersonalData: domain.PersonalData{Name: "Ana Souza", Email: "ana@example.com", CPF: "12345678900"},
			MedicalData:  domain.MedicalData{BloodType: "O+"},
			PlanType:     domain.PlanBasic,
		},
		ID:        "abc123",
		UniqueURL: "abc123",
		Status:    domain.ProfileActive,
		QRCodeURL: "https://cdn.example/qrcodes/abc123.png",
	}

	rec := f.do(http.MethodGet, "/profiles/abc123", "", map[string]string{"Origin": "https://sosmoto.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://sosmoto.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Body.String(), "Ana Souza")
	assert.Contains(t, rec.Body.String(), `"blood_type":"O+"`)
	assert.NotContains(t, rec.Body.String(), "12345678900")
	assert.NotContains(t, rec.Body.String(), "ana@example.com")

	rec = f.do(http.MethodGet, "/profiles/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.profiles.err = assert.AnError
	rec = f.do(http.MethodGet, "/profiles/abc123", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFlexibleID(t *testing.T) {
	var body webhookBody
	require.NoError(t, json.Unmarshal([]byte(`{"id":"abc","data":{"id":12345678901}}`), &body))
	assert.Equal(t, flexibleID("abc"), body.ID)
	assert.Equal(t, flexibleID("12345678901"), body.Data.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"data":{"id":null}}`), &body))
	assert.Empty(t, body.Data.ID)
}
