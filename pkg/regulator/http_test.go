package regulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientNotify(t *testing.T) {
	var got NotificationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"protocol":"REG-ABCDEF12","status":"ACCEPTED","message":"ok"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "secret")
	resp, err := client.Notify(context.Background(), NotificationRequest{
		TransactionID:  "tx-1",
		IdempotencyKey: "key-1",
		Amount:         "150.25",
		RetryCount:     2,
	})

	require.NoError(t, err)
	assert.Equal(t, "REG-ABCDEF12", resp.Protocol)
	assert.Equal(t, "150.25", got.Amount)
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, 2, got.RetryCount)
}

func TestHTTPClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, want: ErrTimeout},
		{name: "server error", status: http.StatusInternalServerError, want: ErrUnavailable},
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"invalid","message":"bad tax id"}`, want: ErrRejected},
		{name: "missing protocol", status: http.StatusOK, body: `{"status":"ACCEPTED"}`, want: ErrUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL, "secret").Notify(context.Background(), NotificationRequest{TransactionID: "tx-1"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
