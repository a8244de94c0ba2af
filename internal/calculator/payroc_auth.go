package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
)

const (
	payrocAuthURL      = "https://identity.payroc.com/authorize"
	tokenCacheSize     = 1024 * 1024
	tokenExpiryPadding = 60 // seconds shaved off expires_in before caching
)

type payrocAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// PayrocAuthService exchanges an office's API key for a bearer token and
// caches it until shortly before expiry.
type PayrocAuthService struct {
	httpClient *http.Client
	authURL    string
	tokenCache *freecache.Cache
}

func NewPayrocAuthService(httpClient *http.Client) *PayrocAuthService {
	return &PayrocAuthService{
		httpClient: httpClient,
		authURL:    payrocAuthURL,
		tokenCache: freecache.NewCache(tokenCacheSize),
	}
}

func (a *PayrocAuthService) GetAccessToken(ctx context.Context, officeCode, apiKey string) (string, error) {
	cached, err := a.tokenCache.Get([]byte(officeCode))
	if err == nil {
		return string(cached), nil
	}
	return a.fetchNewAccessToken(ctx, officeCode, apiKey)
}

func (a *PayrocAuthService) fetchNewAccessToken(ctx context.Context, officeCode, apiKey string) (string, error) {
	log.Debug().Msgf("fetching new token for payroc office code: %s", officeCode)
	t1 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL, strings.NewReader(""))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:payroc_auth", "outcome:error"})
		return "", fmt.Errorf("payroc authentication failed for office code %s: %w", officeCode, err)
	}
	defer resp.Body.Close()
	metric.Timing(metric.ExternalApiRequestLatency, time.Since(t1), []string{"api:payroc_auth"})

	if resp.StatusCode != http.StatusOK {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:payroc_auth", "outcome:error"})
		return "", fmt.Errorf("payroc authentication failed for office code %s: status %d", officeCode, resp.StatusCode)
	}

	var authResp payrocAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("payroc auth response decode for office code %s: %w", officeCode, err)
	}

	ttl := authResp.ExpiresIn - tokenExpiryPadding
	if ttl > 0 {
		if err := a.tokenCache.Set([]byte(officeCode), []byte(authResp.AccessToken), ttl); err != nil {
			log.Warn().Err(err).Msgf("could not cache payroc token for office code %s", officeCode)
		}
	}
	log.Debug().Msgf("fetched and cached new token for office code: %s", officeCode)
	return authResp.AccessToken, nil
}
