package payments_http

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"yookassa/internal/app/webhooks"
	"yookassa/internal/yookassa"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	handler webhooks.WebhookHandler
	auth    webhooks.Authenticator
	logger  *zap.Logger
}

func NewWebhookHandler(handler webhooks.WebhookHandler, auth webhooks.Authenticator, logger *zap.Logger) *WebhookHandler {
	if auth == nil {
		auth = webhooks.AllowAll{}
	}
	return &WebhookHandler{handler: handler, auth: auth, logger: logger}
}

// ServeHTTP answers 200 once the notification is applied or recognized as
// a duplicate; any other answer makes the provider redeliver.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.auth.Authenticate(r, body); err != nil {
		h.logger.Warn("Уведомление отклонено при проверке источника",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Forbidden", StatusCode(err))
		return
	}

	event, err := yookassa.ParseNotification(body, time.Now())
	if err != nil {
		h.logger.Warn("Некорректное уведомление", zap.Error(err))
		http.Error(w, "Malformed notification", http.StatusBadRequest)
		return
	}

	if err := h.handler.Handle(r.Context(), event); err != nil {
		code := StatusCode(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("Не удалось обработать уведомление", zap.String("event_id", event.ID), zap.Error(err))
			http.Error(w, "Internal server error", code)
			return
		}
		h.logger.Warn("Уведомление не применено", zap.String("event_id", event.ID), zap.Int("status", code), zap.Error(err))
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}
