// internal/services/marketplace.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

var (
	ErrPurchaseInvalid        = errors.New("purchase code invalid")
	ErrMarketplaceUnreachable = errors.New("marketplace unreachable")
)

// PurchaseInfo is the authoritative purchase metadata the marketplace
// returns for a valid code.
type PurchaseInfo struct {
	PurchaseCode   string
	Buyer          string
	ItemID         string
	ItemName       string
	LicenseName    string
	SoldAt         time.Time
	SupportedUntil time.Time
}

// MarketplaceClient is the external purchase-code authority. Invalid and
// unreachable are distinct failures: invalid is an authoritative rejection,
// unreachable is a transient condition the engine may fall back from.
type MarketplaceClient interface {
	VerifyPurchaseCode(ctx context.Context, code string) (*PurchaseInfo, error)
}

type cachedPurchase struct {
	info      *PurchaseInfo
	err       error
	expiresAt time.Time
}

// EnvatoClient verifies purchase codes against the Envato author-sale API.
// Results (valid and authoritatively-invalid alike) are cached for a bounded
// TTL to keep call volume down; unreachable results are never cached.
type EnvatoClient struct {
	httpClient *http.Client
	token      string
	baseURL    string
	cacheTTL   time.Duration

	mtx   sync.Mutex
	cache map[string]cachedPurchase
}

func NewEnvatoClient(cfg config.EnvatoConfig) *EnvatoClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &EnvatoClient{
		httpClient: &http.Client{Timeout: timeout},
		token:      cfg.APIToken,
		baseURL:    cfg.BaseURL,
		cacheTTL:   time.Duration(cfg.CacheMinutes) * time.Minute,
		cache:      make(map[string]cachedPurchase),
	}
}

type envatoSaleResponse struct {
	Item struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"item"`
	Buyer          string `json:"buyer"`
	License        string `json:"license"`
	SoldAt         string `json:"sold_at"`
	SupportedUntil string `json:"supported_until"`
}

func (c *EnvatoClient) VerifyPurchaseCode(ctx context.Context, code string) (*PurchaseInfo, error) {
	if c.token == "" {
		logrus.Error("Envato token not configured for purchase verification")
		return nil, ErrMarketplaceUnreachable
	}

	cacheKey := utils.HashString(code)
	if cached, ok := c.cachedResult(cacheKey); ok {
		return cached.info, cached.err
	}

	info, err := c.fetchSale(ctx, code)
	if err != nil && !errors.Is(err, ErrPurchaseInvalid) {
		// Transient outcomes are not cached; the next attempt should retry.
		return nil, err
	}

	c.storeResult(cacheKey, info, err)
	return info, err
}

func (c *EnvatoClient) cachedResult(key string) (cachedPurchase, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	cached, ok := c.cache[key]
	if !ok || time.Now().After(cached.expiresAt) {
		delete(c.cache, key)
		return cachedPurchase{}, false
	}
	return cached, true
}

func (c *EnvatoClient) storeResult(key string, info *PurchaseInfo, err error) {
	if c.cacheTTL <= 0 {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cache[key] = cachedPurchase{
		info:      info,
		err:       err,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
}

func (c *EnvatoClient) fetchSale(ctx context.Context, code string) (*PurchaseInfo, error) {
	endpoint := fmt.Sprintf("%s/v3/market/author/sale?%s", c.baseURL,
		url.Values{"code": {code}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarketplaceUnreachable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are both unreachable.
		logrus.WithError(err).Warn("Envato purchase verification request failed")
		return nil, fmt.Errorf("%w: %v", ErrMarketplaceUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrPurchaseInvalid
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logrus.WithField("status", resp.StatusCode).Error("Envato rejected the configured API token")
		return nil, fmt.Errorf("%w: status %d", ErrMarketplaceUnreachable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrMarketplaceUnreachable, resp.StatusCode)
	}

	var sale envatoSaleResponse
	if err := json.NewDecoder(resp.Body).Decode(&sale); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrMarketplaceUnreachable, err)
	}

	if sale.Item.ID.String() == "" {
		return nil, ErrPurchaseInvalid
	}

	info := &PurchaseInfo{
		PurchaseCode: code,
		Buyer:        sale.Buyer,
		ItemID:       sale.Item.ID.String(),
		ItemName:     sale.Item.Name,
		LicenseName:  sale.License,
	}
	if t, err := time.Parse(time.RFC3339, sale.SoldAt); err == nil {
		info.SoldAt = t
	}
	if t, err := time.Parse(time.RFC3339, sale.SupportedUntil); err == nil {
		info.SupportedUntil = t
	}

	return info, nil
}
