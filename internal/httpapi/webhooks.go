package httpapi

import (
	"errors"
	"io"
	"net/http"

	"keynote/internal/order"
	"keynote/internal/payment"
)

const maxWebhookBody = 1 << 20

// handleWebhook is the single ingestion point for provider callbacks.
// Inauthentic payloads are rejected; authentic ones are acknowledged
// even when applying them fails internally, because providers retry on
// non-2xx and the transition guard absorbs the replay either way.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := order.Method(r.PathValue("provider"))
	provider, ok := s.providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	evt, err := provider.ParseWebhook(r, body)
	if err != nil {
		if errors.Is(err, payment.ErrSignature) {
			s.logger.Warn("webhook signature rejected", "provider", provider.Name())
			writeError(w, http.StatusBadRequest, "signature verification failed")
			return
		}
		s.logger.Error("webhook parse failed", "provider", provider.Name(), "err", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if evt != nil {
		if err := s.orderSvc.ApplyPaymentEvent(r.Context(), *evt); err != nil {
			s.logger.Error("apply payment event", "provider", provider.Name(), "event_type", evt.Type, "err", err)
		}
	}

	s.ackWebhook(w, name)
}

// ackWebhook answers in the dialect each provider expects.
func (s *Server) ackWebhook(w http.ResponseWriter, name order.Method) {
	if name == order.MethodMpesa {
		writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
