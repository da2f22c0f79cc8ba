// Package dms talks to the dealer management system's archive processor.
// Deal numbers are verified against it before an opportunity adopts them,
// and it is the authority for dealer display names.
package dms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/logger"
)

// DealDomain is the archive domain vehicle sales are filed under.
const DealDomain = "VehicleSales"

// HostItemID formats the archive item identifier for a deal number.
func HostItemID(dealNumber string) string {
	return "FI-WIP*" + dealNumber
}

// Client is an HTTP client for the archive processor API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        logger.Logger
}

// NewClient creates an archive processor client.
func NewClient(baseURL, apiKey string, log logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type resolveRequest struct {
	DealerID   int    `json:"dealer_id"`
	Domain     string `json:"domain"`
	HostItemID string `json:"host_item_id"`
}

// ResolveDeal asks the archive processor to pull the vehicle sale record
// for a dealer. A successful response means the deal number refers to a
// real deal in the DMS.
func (c *Client) ResolveDeal(ctx context.Context, dealerID int, dealNumber string) error {
	payload, err := json.Marshal(resolveRequest{
		DealerID:   dealerID,
		Domain:     DealDomain,
		HostItemID: HostItemID(dealNumber),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/vehicle-sales/process", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewExternalError("dms", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("deal resolve rejected", "dealer_id", dealerID, "deal_number", dealNumber, "status", resp.StatusCode)
		return domain.NewExternalError("dms", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

type dealerRecord struct {
	DealerID int    `json:"dealer_id"`
	Name     string `json:"name"`
}

// DealerName returns the display name registered for a dealer.
func (c *Client) DealerName(ctx context.Context, dealerID int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/dealers/"+strconv.Itoa(dealerID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.NewExternalError("dms", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", domain.NewNotFoundError("dealer")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.NewExternalError("dms", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var rec dealerRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return "", domain.NewExternalError("dms", err)
	}
	return rec.Name, nil
}
