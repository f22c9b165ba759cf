package payments_http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/refunds"
	"yookassa/internal/domain"
)

const IdempotenceKeyHeader = "Idempotence-Key"

type PaymentHandler struct {
	payments payments.PaymentService
	refunds  refunds.RefundService
	logger   *zap.Logger
}

func NewPaymentHandler(p payments.PaymentService, r refunds.RefundService, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: p, refunds: r, logger: l}
}

func (h *PaymentHandler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		h.logger.Warn("Некорректное тело запроса для CreatePayment", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	data, err := req.toDomain(r.Header.Get(IdempotenceKeyHeader))
	if err != nil {
		h.respondError(w, err, "Invalid payment request")
		return
	}

	payment, err := h.payments.CreatePayment(r.Context(), data)
	if err != nil {
		h.logger.Error("Не удалось создать платеж", zap.String("idempotency_key", data.IdempotencyKey), zap.Error(err))
		h.respondError(w, err, "Failed to create payment")
		return
	}
	h.writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (h *PaymentHandler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	payment, err := h.payments.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, err, "Failed to get payment")
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

// ListPaymentsHandler lists payments in ?status=, or in every status when omitted.
func (h *PaymentHandler) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	statuses := []domain.PaymentStatus{
		domain.PaymentStatusPending,
		domain.PaymentStatusWaitingForCapture,
		domain.PaymentStatusSucceeded,
		domain.PaymentStatusCanceled,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = []domain.PaymentStatus{domain.PaymentStatus(s)}
	}

	resp := make([]PaymentResponse, 0)
	for _, status := range statuses {
		list, err := h.payments.ListPayments(r.Context(), status)
		if err != nil {
			h.respondError(w, err, "Failed to list payments")
			return
		}
		for _, p := range list {
			resp = append(resp, toPaymentResponse(p))
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) SyncPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	payment, err := h.payments.SyncStatus(r.Context(), paymentID)
	if err != nil {
		h.logger.Warn("Не удалось синхронизировать платеж", zap.String("payment_id", paymentID), zap.Error(err))
		h.respondError(w, err, "Failed to sync payment")
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *PaymentHandler) CapturePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var req CapturePaymentRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var amount *domain.Amount
	if req.Amount != nil {
		a, err := req.Amount.toDomain()
		if err != nil {
			h.respondError(w, err, "Invalid capture amount")
			return
		}
		amount = &a
	}

	payment, err := h.payments.CapturePayment(r.Context(), paymentID, amount)
	if err != nil {
		h.respondError(w, err, "Failed to capture payment")
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *PaymentHandler) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	payment, err := h.payments.CancelPayment(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, err, "Failed to cancel payment")
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *PaymentHandler) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var req CreateRefundRequest
	if err := decodeBody(r, &req); err != nil {
		h.logger.Warn("Некорректное тело запроса для CreateRefund", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := req.Amount.toDomain()
	if err != nil {
		h.respondError(w, err, "Invalid refund amount")
		return
	}
	data := domain.RefundData{
		PaymentID:      paymentID,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	}
	if key := r.Header.Get(IdempotenceKeyHeader); key != "" {
		data.IdempotencyKey = key
	}

	refund, err := h.refunds.CreateRefund(r.Context(), data)
	if err != nil {
		h.logger.Warn("Не удалось создать возврат", zap.String("payment_id", paymentID), zap.Error(err))
		h.respondError(w, err, "Failed to create refund")
		return
	}
	h.writeJSON(w, http.StatusCreated, toRefundResponse(refund))
}

func (h *PaymentHandler) ListRefundsHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	list, err := h.refunds.ListRefunds(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, err, "Failed to list refunds")
		return
	}
	resp := make([]RefundResponse, 0, len(list))
	for _, refund := range list {
		resp = append(resp, toRefundResponse(refund))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) RefundableAmountHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	amount, err := h.refunds.RefundableAmount(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, err, "Failed to compute refundable amount")
		return
	}
	h.writeJSON(w, http.StatusOK, RefundableResponse{PaymentID: paymentID, Refundable: toAmountResponse(amount)})
}

func (h *PaymentHandler) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	refundID := chi.URLParam(r, "id")
	refund, err := h.refunds.GetRefund(r.Context(), refundID)
	if err != nil {
		h.respondError(w, err, "Failed to get refund")
		return
	}
	h.writeJSON(w, http.StatusOK, toRefundResponse(refund))
}

func (h *PaymentHandler) SyncRefundHandler(w http.ResponseWriter, r *http.Request) {
	refundID := chi.URLParam(r, "id")
	refund, err := h.refunds.SyncRefund(r.Context(), refundID)
	if err != nil {
		h.respondError(w, err, "Failed to sync refund")
		return
	}
	h.writeJSON(w, http.StatusOK, toRefundResponse(refund))
}

// StatusCode maps the domain error taxonomy onto HTTP.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrWebhookUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrWebhook):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrRefundNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInsufficientRefundableAmount):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrPayment), errors.Is(err, domain.ErrRefund):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *PaymentHandler) respondError(w http.ResponseWriter, err error, msg string) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, "Internal server error", code)
		return
	}
	http.Error(w, msg+": "+err.Error(), code)
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Не удалось отправить JSON-ответ", zap.Error(err))
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}
