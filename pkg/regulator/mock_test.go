package regulator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientAcknowledgesWithoutChaos(t *testing.T) {
	client := NewMockClient(MockSettings{}, 1)

	resp, err := client.Notify(context.Background(), NotificationRequest{TransactionID: "tx-1", IdempotencyKey: "key-1", Amount: "10.00"})

	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", resp.Status)
	assert.True(t, strings.HasPrefix(resp.Protocol, "REG-"))
	assert.Len(t, resp.Protocol, len("REG-")+8)
	assert.Equal(t, strings.ToUpper(resp.Protocol), resp.Protocol)
	assert.EqualValues(t, 1, client.Calls())
}

func TestMockClientReplaysProtocolForSameIdempotencyKey(t *testing.T) {
	client := NewMockClient(MockSettings{}, 1)

	first, err := client.Notify(context.Background(), NotificationRequest{TransactionID: "tx-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	second, err := client.Notify(context.Background(), NotificationRequest{TransactionID: "tx-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	other, err := client.Notify(context.Background(), NotificationRequest{TransactionID: "tx-2", IdempotencyKey: "key-2"})
	require.NoError(t, err)

	assert.Equal(t, first.Protocol, second.Protocol)
	assert.NotEqual(t, first.Protocol, other.Protocol)
}

func TestMockClientAlwaysFailing(t *testing.T) {
	tests := []struct {
		name     string
		settings MockSettings
		want     error
	}{
		{name: "rate limited", settings: MockSettings{RateLimitRate: 1}, want: ErrRateLimited},
		{name: "timeout", settings: MockSettings{TimeoutRate: 1}, want: ErrTimeout},
		{name: "communication", settings: MockSettings{FailureRate: 1}, want: ErrUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := NewMockClient(tc.settings, 7)
			_, err := client.Notify(context.Background(), NotificationRequest{TransactionID: "tx-1"})
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, Retryable(err))
		})
	}
}
