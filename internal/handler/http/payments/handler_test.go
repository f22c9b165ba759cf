package payments_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yookassa/internal/app/payments"
	"yookassa/internal/app/receipts"
	"yookassa/internal/app/refunds"
	"yookassa/internal/app/webhooks"
	"yookassa/internal/domain"
	"yookassa/internal/keylock"
	"yookassa/internal/outbox"
	inboxmemory "yookassa/internal/repository/inbox_repo/memory"
	"yookassa/internal/repository/payments_repo/memory"
	"yookassa/internal/yookassa"
	"yookassa/internal/yookassa/yookassatest"
)

type testServer struct {
	*httptest.Server
	provider *yookassatest.Provider
	storage  *memory.Storage
}

func newTestServer(t *testing.T, auth webhooks.Authenticator) *testServer {
	t.Helper()
	storage := memory.New()
	provider := yookassatest.New()
	locks := keylock.New()
	logger := zap.NewNop()

	paymentService := payments.NewPaymentService(storage, provider, receipts.NewReceiptService(logger),
		locks, outbox.NopPublisher{}, payments.Options{}, logger)
	refundService := refunds.NewRefundService(storage, paymentService, provider, locks, outbox.NopPublisher{}, logger)
	webhookHandler := webhooks.NewWebhookHandler(paymentService, refundService, inboxmemory.New(time.Hour, 100), logger)

	r := chi.NewRouter()
	RegisterRoutes(r, Services{
		Payments:      paymentService,
		Refunds:       refundService,
		Webhooks:      webhookHandler,
		Authenticator: auth,
	}, logger)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, provider: provider, storage: storage}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (s *testServer) createPayment(t *testing.T, value string) PaymentResponse {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/payments", CreatePaymentRequest{
		Amount: AmountRequest{Value: value, Currency: "RUB"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p PaymentResponse
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func notification(event, id, status, value string) string {
	return fmt.Sprintf(`{"type":"notification","event":%q,"object":{"id":%q,"status":%q,"amount":{"value":%q,"currency":"RUB"}}}`,
		event, id, status, value)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	resp, _ := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreatePayment(t *testing.T) {
	s := newTestServer(t, nil)

	p := s.createPayment(t, "1000")
	assert.Equal(t, "pending", p.Status)
	assert.Equal(t, "1000.00", p.Amount.Value)
	assert.False(t, p.Paid)

	resp, _ := s.do(t, http.MethodGet, "/payments/"+p.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreatePayment_IdempotenceKeyHeader(t *testing.T) {
	s := newTestServer(t, nil)
	req := CreatePaymentRequest{Amount: AmountRequest{Value: "10.50", Currency: "RUB"}}
	headers := map[string]string{IdempotenceKeyHeader: "order-42"}

	_, first := s.do(t, http.MethodPost, "/payments", req, headers)
	_, second := s.do(t, http.MethodPost, "/payments", req, headers)

	var a, b PaymentResponse
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, s.provider.Payments())
}

func TestCreatePayment_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	cases := map[string]any{
		"malformed json": "{",
		"zero amount":    CreatePaymentRequest{Amount: AmountRequest{Value: "0", Currency: "RUB"}},
		"missing amount": CreatePaymentRequest{},
		"bad currency":   CreatePaymentRequest{Amount: AmountRequest{Value: "1", Currency: "XXX"}},
		"bad item quantity": CreatePaymentRequest{
			Amount: AmountRequest{Value: "1", Currency: "RUB"},
			Items:  []ItemRequest{{Description: "x", Quantity: "many", Price: "1", VATCode: 1}},
		},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := s.do(t, http.MethodPost, "/payments", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Zero(t, s.provider.Calls("CreatePayment"))
}

func TestGetPayment_NotFound(t *testing.T) {
	s := newTestServer(t, nil)
	resp, _ := s.do(t, http.MethodGet, "/payments/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListPayments(t *testing.T) {
	s := newTestServer(t, nil)
	s.createPayment(t, "1")
	s.createPayment(t, "2")

	resp, body := s.do(t, http.MethodGet, "/payments?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []PaymentResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	resp, body = s.do(t, http.MethodGet, "/payments?status=succeeded", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = s.do(t, http.MethodGet, "/payments", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	resp, _ = s.do(t, http.MethodGet, "/payments?status=lost", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_AppliesAndDeduplicates(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.createPayment(t, "1000")
	body := notification("payment.succeeded", p.ID, "succeeded", "1000.00")

	resp, _ := s.do(t, http.MethodPost, "/webhooks/yookassa", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/webhooks/yookassa", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := s.storage.Get(testContext(t), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)

	// A late waiting_for_capture must not move it back.
	resp, _ = s.do(t, http.MethodPost, "/webhooks/yookassa",
		notification("payment.waiting_for_capture", p.ID, "waiting_for_capture", "1000.00"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored, _ = s.storage.Get(testContext(t), p.ID)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
}

func TestWebhook_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.do(t, http.MethodPost, "/webhooks/yookassa", `{"type":"notification"`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/webhooks/yookassa",
		notification("payment.succeeded", "ghost", "succeeded", "1.00"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/webhooks/yookassa",
		`{"type":"notification","event":"payout.succeeded","object":{"id":"po-1"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhook_Unauthorized(t *testing.T) {
	auth, err := webhooks.NewIPAllowlist(webhooks.YooKassaNetworks, false)
	require.NoError(t, err)
	s := newTestServer(t, auth)
	p := s.createPayment(t, "10")

	resp, _ := s.do(t, http.MethodPost, "/webhooks/yookassa",
		notification("payment.succeeded", p.ID, "succeeded", "10.00"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	stored, _ := s.storage.Get(testContext(t), p.ID)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
}

func TestRefunds(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.createPayment(t, "1000")

	refund := CreateRefundRequest{Amount: AmountRequest{Value: "1000", Currency: "RUB"}}
	resp, _ := s.do(t, http.MethodPost, "/payments/"+p.ID+"/refunds", refund, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "pending payment is not refundable")

	s.provider.SetPaymentStatus(p.ID, domain.PaymentStatusSucceeded)
	resp, _ = s.do(t, http.MethodPost, "/webhooks/yookassa", notification("payment.succeeded", p.ID, "succeeded", "1000.00"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/payments/"+p.ID+"/refunds",
		CreateRefundRequest{Amount: AmountRequest{Value: "1500", Currency: "RUB"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/payments/"+p.ID+"/refunds", refund, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created RefundResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "succeeded", created.Status)

	resp, _ = s.do(t, http.MethodPost, "/payments/"+p.ID+"/refunds",
		CreateRefundRequest{Amount: AmountRequest{Value: "1", Currency: "RUB"}}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/payments/"+p.ID+"/refunds", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []RefundResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = s.do(t, http.MethodGet, "/payments/"+p.ID+"/refundable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refundable RefundableResponse
	require.NoError(t, json.Unmarshal(body, &refundable))
	assert.Equal(t, "0.00", refundable.Refundable.Value)

	resp, _ = s.do(t, http.MethodGet, "/refunds/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/refunds/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaptureAndCancel(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.createPayment(t, "300")

	resp, _ := s.do(t, http.MethodPost, "/payments/"+p.ID+"/capture", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	s.provider.SetPaymentStatus(p.ID, domain.PaymentStatusWaitingForCapture)
	resp, body := s.do(t, http.MethodPost, "/payments/"+p.ID+"/sync", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var synced PaymentResponse
	require.NoError(t, json.Unmarshal(body, &synced))
	require.Equal(t, "waiting_for_capture", synced.Status)
	assert.True(t, synced.Paid)

	resp, _ = s.do(t, http.MethodPost, "/payments/"+p.ID+"/capture",
		CapturePaymentRequest{Amount: &AmountRequest{Value: "500", Currency: "RUB"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/payments/"+p.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var canceled PaymentResponse
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, "canceled", canceled.Status)
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrUnsupportedCurrency, http.StatusBadRequest},
		{domain.ErrPaymentNotFound, http.StatusNotFound},
		{domain.ErrRefundNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrInsufficientRefundableAmount, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrPaymentNotRefundable, http.StatusUnprocessableEntity},
		{domain.ErrPaymentCreation, http.StatusUnprocessableEntity},
		{domain.ErrProviderUnavailable, http.StatusBadGateway},
		{domain.ErrWebhookUnauthorized, http.StatusForbidden},
		{domain.ErrWebhook, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &yookassa.APIError{StatusCode: 500}), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusCode(tc.err), tc.err.Error())
	}
}

func TestCORS(t *testing.T) {
	r := chi.NewRouter()
	r.Use(CORS([]string{"http://localhost:5173"}))
	r.Get("/payments", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/payments", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/payments", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// testContext returns a context canceled when the test finishes
// (stand-in for testing.T.Context, which needs Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
