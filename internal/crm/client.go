package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/portalone/merchant-analytics/internal/store"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	allUsersPath     = "/services/apexrest/v1/user/alluserlist"
	allMerchantsPath = "/services/apexrest/v1/user/allmerchant"
	topMerchantsPath = "/services/apexrest/v1/user/toptenmerchant/"

	tokenCacheKey  = "crm-access-token"
	tokenCacheSize = 64 * 1024
	// downstream tokens last an hour; refresh five minutes early
	tokenTTLSeconds = 55 * 60
)

// ErrAuthFailed is returned when the CRM rejects our client credentials
var ErrAuthFailed = errors.New("crm authentication failed")

// User is a portal user eligible for an analytics run.
type User struct {
	ID       string `json:"Id"`
	PortalID string `json:"PortalId__c"`
}

// Merchant is one merchant visible to a portal, with its processor binding.
type Merchant struct {
	ID            string `json:"Id"`
	MerchantID    string `json:"MerchantID"`
	ProcessorName string `json:"ProcessorName"`
	Name          string `json:"name"`
}

// Client is the downstream consumer boundary: user/merchant directory reads
// and the bulk top-merchants upsert.
type Client interface {
	GetAllUsers(ctx context.Context) ([]User, error)
	GetMerchantsForPortal(ctx context.Context, portalID string) ([]Merchant, error)
	// BulkUpsertTopMerchants delivers finalized rankings; the CRM upserts by
	// portal+merchant, so redelivery is an idempotent overwrite.
	BulkUpsertTopMerchants(ctx context.Context, results []store.TopMerchantsResult) error
}

type HTTPClient struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	tokenURL     string
	baseURL      string
	tokenCache   *freecache.Cache
}

func NewHTTPClient(httpClient *http.Client) (*HTTPClient, error) {
	clientID := viper.GetString("CRM_CLIENT_ID")
	clientSecret := viper.GetString("CRM_CLIENT_SECRET")
	tokenURL := viper.GetString("CRM_AUTH_URL")
	baseURL := viper.GetString("CRM_BASE_URL")
	if clientID == "" || clientSecret == "" || tokenURL == "" || baseURL == "" {
		return nil, errors.New("CRM_CLIENT_ID, CRM_CLIENT_SECRET, CRM_AUTH_URL and CRM_BASE_URL must be set")
	}
	return &HTTPClient{
		httpClient:   httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		baseURL:      baseURL,
		tokenCache:   freecache.NewCache(tokenCacheSize),
	}, nil
}

func (c *HTTPClient) accessToken(ctx context.Context) (string, error) {
	cached, err := c.tokenCache.Get([]byte(tokenCacheKey))
	if err == nil {
		return string(cached), nil
	}
	log.Info().Msg("authenticating with crm")

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:crm_auth", "outcome:error"})
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:crm_auth", "outcome:error"})
		return "", fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: token decode: %s", ErrAuthFailed, err)
	}
	if err := c.tokenCache.Set([]byte(tokenCacheKey), []byte(tokenResp.AccessToken), tokenTTLSeconds); err != nil {
		log.Warn().Err(err).Msg("could not cache crm token")
	}
	log.Info().Msg("authenticated with crm")
	return tokenResp.AccessToken, nil
}

func (c *HTTPClient) callAPI(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	t1 := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:crm", "outcome:error"})
		return fmt.Errorf("crm api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	metric.Timing(metric.ExternalApiRequestLatency, time.Since(t1), []string{"api:crm"})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:crm", "outcome:error"})
		return fmt.Errorf("crm api %s %s: status %d", method, path, resp.StatusCode)
	}
	metric.Incr(metric.ExternalApiRequestCount, []string{"api:crm", "outcome:success"})
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm api %s %s: response decode: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) GetAllUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.callAPI(ctx, http.MethodGet, allUsersPath, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *HTTPClient) GetMerchantsForPortal(ctx context.Context, portalID string) ([]Merchant, error) {
	var merchants []Merchant
	path := allMerchantsPath + "?portalPartnerId=" + url.QueryEscape(portalID)
	if err := c.callAPI(ctx, http.MethodGet, path, nil, &merchants); err != nil {
		return nil, err
	}
	return merchants, nil
}

// topMerchantRecord is the flattened wire row the CRM upserts by
// portal+merchant. Volume and count travel as strings.
type topMerchantRecord struct {
	PortalPartnerID string `json:"portalPartnerId"`
	Merchant        string `json:"merchant"`
	Name            string `json:"name"`
	Volume          string `json:"volume"`
	Transactions    string `json:"transactions"`
}

func flattenResults(results []store.TopMerchantsResult) []topMerchantRecord {
	var records []topMerchantRecord
	for _, result := range results {
		for _, ranked := range result.TopMerchants {
			records = append(records, topMerchantRecord{
				PortalPartnerID: result.PortalID,
				Merchant:        ranked.MerchantID,
				Name:            ranked.Name,
				Volume:          strconv.FormatFloat(ranked.TotalVolume, 'f', -1, 64),
				Transactions:    strconv.FormatInt(ranked.TotalCount, 10),
			})
		}
	}
	return records
}

func (c *HTTPClient) BulkUpsertTopMerchants(ctx context.Context, results []store.TopMerchantsResult) error {
	records := flattenResults(results)
	log.Debug().Msgf("sending bulk top-merchants update to crm, items count: %d", len(records))
	return c.callAPI(ctx, http.MethodPost, topMerchantsPath, records, nil)
}
