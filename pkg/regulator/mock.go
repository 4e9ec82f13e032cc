package regulator

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MockSettings configures the failure modes injected by MockClient. Rates are
// probabilities in [0, 1].
type MockSettings struct {
	RateLimitRate float64
	TimeoutRate   float64
	FailureRate   float64
	Latency       time.Duration
}

// MockClient stands in for the regulator API. It fails with configured probabilities
// and otherwise acknowledges, returning the same protocol for a repeated idempotency key.
type MockClient struct {
	settings MockSettings

	mu        sync.Mutex
	rnd       *rand.Rand
	protocols map[string]string
	calls     atomic.Int64
	now       func() time.Time
}

// NewMockClient creates a chaos mock seeded with seed.
func NewMockClient(settings MockSettings, seed int64) *MockClient {
	return &MockClient{
		settings:  settings,
		rnd:       rand.New(rand.NewSource(seed)),
		protocols: make(map[string]string),
		now:       time.Now,
	}
}

// Calls returns how many times Notify has been invoked.
func (c *MockClient) Calls() int64 {
	return c.calls.Load()
}

func (c *MockClient) Notify(ctx context.Context, req NotificationRequest) (*NotificationResponse, error) {
	c.calls.Add(1)
	log.Printf("level=info component=regulator_mock msg=\"notifying transaction\" transaction_id=%s amount=%s source=%s destination=%s",
		req.TransactionID, req.Amount, req.SourceAccountNumber, req.DestinationAccountNumber)

	if c.settings.Latency > 0 {
		timer := time.NewTimer(c.settings.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: transaction %s", ErrTimeout, req.TransactionID)
		case <-timer.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rnd.Float64() < c.settings.RateLimitRate {
		log.Printf("level=warn component=regulator_mock msg=\"rate limit exceeded\" transaction_id=%s", req.TransactionID)
		return nil, fmt.Errorf("%w: HTTP 429 for transaction %s", ErrRateLimited, req.TransactionID)
	}
	if c.rnd.Float64() < c.settings.TimeoutRate {
		log.Printf("level=error component=regulator_mock msg=\"timeout\" transaction_id=%s", req.TransactionID)
		return nil, fmt.Errorf("%w: transaction %s", ErrTimeout, req.TransactionID)
	}
	if c.rnd.Float64() < c.settings.FailureRate {
		log.Printf("level=error component=regulator_mock msg=\"communication error\" transaction_id=%s", req.TransactionID)
		return nil, fmt.Errorf("%w: transaction %s", ErrUnavailable, req.TransactionID)
	}

	protocol, seen := c.protocols[req.IdempotencyKey]
	if !seen {
		protocol = generateProtocol()
		if req.IdempotencyKey != "" {
			c.protocols[req.IdempotencyKey] = protocol
		}
	}

	log.Printf("level=info component=regulator_mock msg=\"transaction notified\" transaction_id=%s protocol=%s replay=%t", req.TransactionID, protocol, seen)
	return &NotificationResponse{
		Protocol:  protocol,
		Status:    "ACCEPTED",
		Timestamp: c.now(),
		Message:   "notification processed",
	}, nil
}

func generateProtocol() string {
	return "REG-" + strings.ToUpper(uuid.NewString()[:8])
}
