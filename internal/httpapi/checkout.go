package httpapi

import (
	"encoding/json"
	"net/http"

	"keynote/internal/order"
)

func (s *Server) checkoutProduct(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orderSvc.Checkout(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) checkoutEvent(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orderSvc.CheckoutEvent(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method order.Method `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	handle, err := s.orderSvc.InitiatePayment(r.Context(), r.PathValue("orderID"), req.Method)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := map[string]string{}
	if handle.RedirectURL != "" {
		resp["redirect_url"] = handle.RedirectURL
	}
	if handle.ClientSecret != "" {
		resp["client_secret"] = handle.ClientSecret
	}
	if handle.ProviderRef != "" {
		resp["provider_ref"] = handle.ProviderRef
	}
	writeJSON(w, http.StatusOK, resp)
}

// mpesaStatus is the poll target for the checkout page while an STK
// push is pending on the customer's phone. It runs the provider status
// query and reports the order's current status.
func (s *Server) mpesaStatus(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}

	if err := s.orderSvc.ConfirmPayment(r.Context(), orderID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	o, err := s.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(o.Status)})
}

// confirmPayment drives the pull-style completion flows: the PayPal
// capture after approval and the M-Pesa status query the checkout page
// polls with. The result lands in the same transition path webhooks
// use, so polling and webhook delivery can race safely.
func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	if err := s.orderSvc.ConfirmPayment(r.Context(), orderID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	o, err := s.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(o.Status)})
}
