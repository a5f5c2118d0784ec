package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sosmoto/sosmoto-service/internal/app"
	"github.com/sosmoto/sosmoto-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// WebhookProcessor handles one verified-or-not provider notification.
type WebhookProcessor interface {
	HandleNotification(ctx context.Context, n app.WebhookNotification) (app.WebhookResult, error)
}

// CheckoutCreator opens a checkout for a submitted profile form.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req app.CheckoutRequest) (*app.CheckoutResult, error)
}

// ProfileFinder returns active profiles.
type ProfileFinder interface {
	GetActiveProfile(ctx context.Context, uniqueURL string) (*domain.Profile, error)
}

// Handlers serves the public routes.
type Handlers struct {
	webhooks WebhookProcessor
	checkout CheckoutCreator
	profiles ProfileFinder
	logger   *slog.Logger
}

func NewHandlers(webhooks WebhookProcessor, checkout CheckoutCreator, profiles ProfileFinder, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		webhooks: webhooks,
		checkout: checkout,
		profiles: profiles,
		logger:   logger.With("component", "http"),
	}
}

// flexibleID accepts ids sent as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type webhookBody struct {
	ID     flexibleID `json:"id"`
	Type   string     `json:"type"`
	Action string     `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// WebhookHandler receives payment notifications from Mercado Pago.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	var payload webhookBody
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			h.logger.Warn("malformed webhook body", "error", err)
			h.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	}

	query := r.URL.Query()
	dataID := firstNonEmpty(string(payload.Data.ID), query.Get("data.id"), query.Get("id"))
	if dataID == "" {
		h.writeError(w, http.StatusBadRequest, "data.id is required")
		return
	}

	notification := app.WebhookNotification{
		Type:      firstNonEmpty(payload.Type, query.Get("type"), query.Get("topic")),
		Action:    payload.Action,
		DataID:    dataID,
		Signature: r.Header.Get("X-Signature"),
		RequestID: r.Header.Get("X-Request-Id"),
	}

	result, err := h.webhooks.HandleNotification(r.Context(), notification)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindAuthentication:
			h.logger.Warn("webhook rejected", "payment_id", dataID, "error", err)
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case domain.KindValidation:
			h.logger.Warn("webhook payload invalid", "payment_id", dataID, "error", err)
			h.writeError(w, http.StatusBadRequest, "Invalid notification")
		default:
			h.logger.Error("webhook processing failed", "payment_id", dataID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":         string(result.Outcome),
		"correlation_id": result.CorrelationID,
	})
}

type checkoutBody struct {
	domain.ProfileData
	DeviceID string `json:"device_id"`
}

// CheckoutHandler validates the profile form and returns the provider
// checkout link.
func (h *Handlers) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var body checkoutBody
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deviceID := firstNonEmpty(body.DeviceID, r.Header.Get("X-Device-Id"))
	result, err := h.checkout.CreateCheckout(r.Context(), app.CheckoutRequest{
		ProfileData: body.ProfileData,
		DeviceID:    deviceID,
		ClientIP:    clientIP(r),
	})
	if err != nil {
		var limited *app.RateLimitError
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		case errors.As(err, &validation):
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    "Invalid profile data",
				"problems": validation.Problems,
			})
		case domain.KindOf(err) == domain.KindTransient:
			h.logger.Error("checkout failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "Checkout temporarily unavailable")
		default:
			h.logger.Error("checkout failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

type publicProfile struct {
	UniqueURL         string                    `json:"unique_url"`
	Name              string                    `json:"name"`
	MedicalData       domain.MedicalData        `json:"medical_data"`
	EmergencyContacts []domain.EmergencyContact `json:"emergency_contacts"`
	VehicleData       *domain.VehicleData       `json:"vehicle_data,omitempty"`
	PlanType          domain.PlanType           `json:"plan_type"`
	QRCodeURL         string                    `json:"qr_code_url"`
	MemorialURL       string                    `json:"memorial_url"`
}

// GetProfileHandler serves the emergency page data for an active profile.
func (h *Handlers) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	uniqueURL := chi.URLParam(r, "uniqueUrl")

	profile, err := h.profiles.GetActiveProfile(r.Context(), uniqueURL)
	if errors.Is(err, app.ErrProfileUnavailable) {
		h.writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", "profile_id", uniqueURL, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, publicProfile{
		UniqueURL:         profile.UniqueURL,
		Name:              profile.PersonalData.Name,
		MedicalData:       profile.MedicalData,
		EmergencyContacts: profile.EmergencyContacts,
		VehicleData:       profile.VehicleData,
		PlanType:          profile.PlanType,
		QRCodeURL:         profile.QRCodeURL,
		MemorialURL:       profile.MemorialURL,
	})
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
