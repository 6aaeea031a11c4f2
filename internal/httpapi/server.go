// Package httpapi exposes the checkout, webhook and admin surfaces.
// Handlers translate between HTTP and the order service; policy and
// state transitions live below.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"keynote/internal/fulfillment"
	"keynote/internal/order"
	"keynote/internal/payment"
	"keynote/internal/ws"
)

type Server struct {
	orderSvc    *order.Service
	dispatcher  *fulfillment.Dispatcher
	providers   map[order.Method]payment.Provider
	wsHandler   *ws.Handler
	adminSecret string
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewServer(
	orderSvc *order.Service,
	dispatcher *fulfillment.Dispatcher,
	providers map[order.Method]payment.Provider,
	wsHandler *ws.Handler,
	adminSecret string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		orderSvc:    orderSvc,
		dispatcher:  dispatcher,
		providers:   providers,
		wsHandler:   wsHandler,
		adminSecret: adminSecret,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /checkout/product", s.checkoutProduct)
	s.mux.HandleFunc("POST /checkout/event", s.checkoutEvent)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/pay", s.initiatePayment)
	s.mux.HandleFunc("POST /orders/{orderID}/confirm", s.confirmPayment)
	s.mux.HandleFunc("GET /checkout/mpesa/status", s.mpesaStatus)
	s.mux.HandleFunc("GET /downloads/{token}", s.redeemDownload)

	s.mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)

	if s.wsHandler != nil {
		s.mux.HandleFunc("GET /ws/orders/{orderID}", s.wsHandler.ServeWS)
	}

	s.mux.HandleFunc("POST /admin/login", s.adminLogin)
	s.mux.HandleFunc("POST /admin/registrations", s.requireAdmin(s.adminRegister))
	s.mux.HandleFunc("POST /admin/orders/{orderID}/refund", s.requireAdmin(s.adminRefund))
	s.mux.HandleFunc("POST /admin/orders/{orderID}/resend-email", s.requireAdmin(s.adminResendEmail))
	s.mux.HandleFunc("POST /admin/events/{eventID}/registrations/{regID}", s.requireAdmin(s.adminRegistrationAction))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orderSvc.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) redeemDownload(w http.ResponseWriter, r *http.Request) {
	o, err := s.orderSvc.RedeemDownload(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_type": o.ProductType,
		"product_name": o.ProductName,
		"expires_at":   o.DownloadExpiry,
	})
}

// writeServiceError maps service sentinels to HTTP statuses. Anything
// unmapped is logged and reported as an opaque 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, order.ErrUnsupportedMethod):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, order.ErrTierNotFound),
		errors.Is(err, order.ErrRegistrationNotFound),
		errors.Is(err, order.ErrCouponNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrSaleClosed),
		errors.Is(err, order.ErrExceedsMaxPerPurchase),
		errors.Is(err, order.ErrInsufficientSeats),
		errors.Is(err, order.ErrAlreadyRefunded),
		errors.Is(err, order.ErrNotPaid),
		errors.Is(err, order.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrDownloadExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, order.ErrProvider):
		s.logger.Error("provider call failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, "payment provider error")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func WithServer(ctx context.Context, addr string, srv http.Handler) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: srv,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server
}
