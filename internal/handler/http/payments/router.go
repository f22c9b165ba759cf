package payments_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/refunds"
	"yookassa/internal/app/webhooks"
)

type Services struct {
	Payments      payments.PaymentService
	Refunds       refunds.RefundService
	Webhooks      webhooks.WebhookHandler
	Authenticator webhooks.Authenticator
}

func RegisterRoutes(r chi.Router, s Services, l *zap.Logger) {
	handler := NewPaymentHandler(s.Payments, s.Refunds, l.With(zap.String("component", "PaymentHTTPHandler")))
	webhook := NewWebhookHandler(s.Webhooks, s.Authenticator, l.With(zap.String("component", "WebhookHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Payments service is healthy!"))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", handler.CreatePaymentHandler)
		r.Get("/", handler.ListPaymentsHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetPaymentHandler)
			r.Post("/sync", handler.SyncPaymentHandler)
			r.Post("/capture", handler.CapturePaymentHandler)
			r.Post("/cancel", handler.CancelPaymentHandler)
			r.Post("/refunds", handler.CreateRefundHandler)
			r.Get("/refunds", handler.ListRefundsHandler)
			r.Get("/refundable", handler.RefundableAmountHandler)
		})
	})

	r.Route("/refunds/{id}", func(r chi.Router) {
		r.Get("/", handler.GetRefundHandler)
		r.Post("/sync", handler.SyncRefundHandler)
	})

	r.Method(http.MethodPost, "/webhooks/yookassa", webhook)
}

// CORS lets browser frontends on origins call the API.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotenceKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
