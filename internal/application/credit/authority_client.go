package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/crm/backend/internal/domain/credit"
)

// HTTPAuthority talks to the billing service that owns balances and
// operation cost configuration.
type HTTPAuthority struct {
	baseURL string
	http    *http.Client
}

// NewHTTPAuthority creates an authority client for the given base URL.
func NewHTTPAuthority(baseURL string, timeout time.Duration) *HTTPAuthority {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAuthority{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	EntityID  string `json:"entity_id"`
	Allocated int64  `json:"allocated"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
	Status    string `json:"status"`
}

type costResponse struct {
	OperationCode string `json:"operation_code"`
	Credits       int64  `json:"credits"`
}

// FetchBalance returns the authoritative balance for an organization.
func (a *HTTPAuthority) FetchBalance(ctx context.Context, orgID string) (*credit.Balance, error) {
	endpoint := fmt.Sprintf("%s/api/v1/organizations/%s/balance", a.baseURL, url.PathEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("balance request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("balance request returned %d", resp.StatusCode)
	}
	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, err
	}
	return &credit.Balance{
		EntityID:  br.EntityID,
		Allocated: br.Allocated,
		Used:      br.Used,
		Available: br.Available,
		Status:    credit.BalanceStatus(br.Status),
	}, nil
}

// OperationCost resolves the configured credit cost of an operation.
func (a *HTTPAuthority) OperationCost(ctx context.Context, orgID, operationCode string) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/organizations/%s/operation-costs/%s",
		a.baseURL, url.PathEscape(orgID), url.PathEscape(operationCode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cost request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Unconfigured operation: free.
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cost request returned %d", resp.StatusCode)
	}
	var cr costResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, err
	}
	return cr.Credits, nil
}

type consumeRequest struct {
	PrincipalID   string `json:"principal_id"`
	Credits       int64  `json:"credits"`
	OperationCode string `json:"operation_code"`
	ResourceType  string `json:"resource_type,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
}

// Consume reports a finalized consumption to the authority.
func (a *HTTPAuthority) Consume(ctx context.Context, orgID, principalID string, amount int64, details credit.ConsumeDetails) error {
	body, err := json.Marshal(consumeRequest{
		PrincipalID:   principalID,
		Credits:       amount,
		OperationCode: details.OperationCode,
		ResourceType:  details.ResourceType,
		ResourceID:    details.ResourceID,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/v1/organizations/%s/consume", a.baseURL, url.PathEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("consume request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("consume request returned %d", resp.StatusCode)
	}
	return nil
}

// Ensure HTTPAuthority implements the interface
var _ credit.Authority = (*HTTPAuthority)(nil)
