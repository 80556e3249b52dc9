// Package partner exposes the narrow read interface the matching engine
// consumes from the partner/compliance service: identity credentials and
// restricted-list membership.
package partner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Party holds the identity fields the compliance gate evaluates.
type Party struct {
	ID                 uuid.UUID `json:"id"`
	TaxID              string    `json:"tax_id"`
	RegistrationNo     string    `json:"registration_no"`
	BranchScope        string    `json:"branch_scope"`
	InternalTradeBlock bool      `json:"internal_trade_block"`
	Restricted         bool      `json:"restricted"`
	Rating             float64   `json:"rating"`            // counterparty rating in [0,1]
	CreditHeadroom     float64   `json:"credit_headroom"`   // fraction of credit limit unused, [0,1]
	SettlementScore    float64   `json:"settlement_score"`  // historical settlement performance, [0,1]
}

// Directory is the partner service read interface.
type Directory interface {
	GetParty(ctx context.Context, id uuid.UUID) (*Party, error)
}

// HTTPDirectory queries the partner service over HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPDirectory creates a partner directory client.
func NewHTTPDirectory(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (d *HTTPDirectory) GetParty(ctx context.Context, id uuid.UUID) (*Party, error) {
	url := fmt.Sprintf("%s/api/v1/parties/%s", d.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("partner service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("partner service returned status %d", resp.StatusCode)
	}

	var party Party
	if err := json.NewDecoder(resp.Body).Decode(&party); err != nil {
		return nil, fmt.Errorf("failed to decode party: %w", err)
	}
	return &party, nil
}

// StaticDirectory is an in-memory directory for tests and local development.
type StaticDirectory struct {
	parties map[uuid.UUID]*Party
	mu      sync.RWMutex
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{parties: make(map[uuid.UUID]*Party)}
}

func (d *StaticDirectory) Put(p *Party) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parties[p.ID] = p
}

func (d *StaticDirectory) GetParty(ctx context.Context, id uuid.UUID) (*Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.parties[id]
	if !ok {
		return nil, fmt.Errorf("party %s not found", id)
	}
	return p, nil
}
