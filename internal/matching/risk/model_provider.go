package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/tradematch/pkg/errors"
)

// ModelProvider calls the learned-risk-model service for a predicted
// default probability. Calls carry a short timeout; any failure is wrapped
// as ExternalServiceDegraded so the scorer degrades to rule-only.
type ModelProvider struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

type modelResponse struct {
	DefaultProbability float64 `json:"default_probability"`
	Confidence         float64 `json:"confidence"`
}

func NewModelProvider(baseURL string, timeout time.Duration) *ModelProvider {
	return &ModelProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (p *ModelProvider) Name() string { return "learned-model" }

func (p *ModelProvider) Score(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/risk/predict?buyer=%s&seller=%s&commodity=%s",
		p.baseURL, demandOwner, supplyOwner, commodityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Signal{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: risk model call: %v", errors.ExternalServiceDegraded, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Signal{}, fmt.Errorf("%w: risk model returned status %d", errors.ExternalServiceDegraded, resp.StatusCode)
	}

	var body modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Signal{}, fmt.Errorf("%w: decode risk model response: %v", errors.ExternalServiceDegraded, err)
	}

	return Signal{Value: clip(1.0 - body.DefaultProbability), Confidence: clip(body.Confidence)}, nil
}
