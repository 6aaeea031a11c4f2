package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keynote/internal/notify"
	"keynote/internal/order"
)

const adminTokenTTL = 24 * time.Hour

func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	})
	signed, err := token.SignedString([]byte(s.adminSecret))
	if err != nil {
		s.logger.Error("sign admin token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "admin_token",
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(adminTokenTTL),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			if c, err := r.Cookie("admin_token"); err == nil {
				raw = c.Value
			}
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			return []byte(s.adminSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// adminRegister records an attendee who paid outside the system (bank
// transfer, comp ticket). The order goes through the normal free-order
// path, so fulfillment and the confirmation email behave as usual.
func (s *Server) adminRegister(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orderSvc.RegisterManually(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) adminRefund(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	if err := s.orderSvc.Refund(r.Context(), orderID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(order.StatusRefunded)})
}

// adminRegistrationAction handles the per-registration actions on the
// event dashboard. The registration resolves to its order and the
// action runs through the same paths as the order-level endpoints.
func (s *Server) adminRegistrationAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	reg, err := s.orderSvc.GetRegistration(r.Context(), r.PathValue("regID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch req.Action {
	case "refund":
		if err := s.orderSvc.Refund(r.Context(), reg.OrderID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(order.StatusRefunded)})

	case "resend-email":
		o, err := s.orderSvc.Get(r.Context(), reg.OrderID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if err := s.dispatcher.Resend(r.Context(), o, ""); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})

	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) adminResendEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type notify.Type `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orderSvc.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.dispatcher.Resend(r.Context(), o, req.Type); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
