/**
 * @description
 * This package resolves account holders from the customer registry. It provides an
 * in-memory fixture directory for local environments, an HTTP client for the
 * customer-service and a Redis-backed read-through cache that wraps either.
 */
package customerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrCustomerNotFound = errors.New("customer not found")

// Customer is the holder record returned by the registry.
type Customer struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	TaxID string    `json:"tax_id"`
	Email string    `json:"email"`
	Phone string    `json:"phone"`
}

// Directory looks up customers by id.
type Directory interface {
	FindCustomer(ctx context.Context, customerID uuid.UUID) (*Customer, error)
}

// Client is a client for the customer service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new customer service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FindCustomer calls the customer-service internal lookup endpoint.
func (c *Client) FindCustomer(ctx context.Context, customerID uuid.UUID) (*Customer, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("customer service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/customers/%s", c.baseURL, customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to customer service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCustomerNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("customer service returned error status %d", resp.StatusCode)
	}

	var customer Customer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &customer, nil
}

// FixtureDirectory serves a fixed set of customers from memory.
type FixtureDirectory struct {
	customers map[uuid.UUID]Customer
}

// NewFixtureDirectory creates a directory holding exactly the given customers.
func NewFixtureDirectory(customers ...Customer) *FixtureDirectory {
	index := make(map[uuid.UUID]Customer, len(customers))
	for _, customer := range customers {
		index[customer.ID] = customer
	}
	return &FixtureDirectory{customers: index}
}

func (d *FixtureDirectory) FindCustomer(_ context.Context, customerID uuid.UUID) (*Customer, error) {
	customer, ok := d.customers[customerID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &customer, nil
}

// DefaultFixtures are the holders of the seeded demo accounts.
func DefaultFixtures() []Customer {
	return []Customer{
		{ID: uuid.MustParse("c0000000-0000-4000-8000-000000000001"), Name: "João da Silva", TaxID: "123.456.789-00", Email: "joao.silva@email.com", Phone: "(11) 98765-4321"},
		{ID: uuid.MustParse("c0000000-0000-4000-8000-000000000002"), Name: "Maria Santos", TaxID: "987.654.321-00", Email: "maria.santos@email.com", Phone: "(11) 91234-5678"},
		{ID: uuid.MustParse("c0000000-0000-4000-8000-000000000003"), Name: "Pedro Oliveira", TaxID: "456.789.123-00", Email: "pedro.oliveira@email.com", Phone: "(11) 99876-5432"},
		{ID: uuid.MustParse("c0000000-0000-4000-8000-000000000004"), Name: "Ana Costa", TaxID: "321.654.987-00", Email: "ana.costa@email.com", Phone: "(11) 94567-8901"},
		{ID: uuid.MustParse("c0000000-0000-4000-8000-000000000005"), Name: "Carlos Ferreira", TaxID: "789.123.456-00", Email: "carlos.ferreira@email.com", Phone: "(11) 93456-7890"},
	}
}
