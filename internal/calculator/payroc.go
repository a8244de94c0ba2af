package calculator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const payrocPageLimit = 100

var officeCodePattern = regexp.MustCompile(`\s(\d+)$`)

type payrocBatch struct {
	BatchID          int64   `json:"batchId"`
	SaleAmount       float64 `json:"saleAmount"`
	ReturnAmount     float64 `json:"returnAmount"`
	TransactionCount int64   `json:"transactionCount"`
}

type payrocBatchPage struct {
	Data    []payrocBatch `json:"data"`
	HasMore bool          `json:"hasMore"`
}

// PayrocCalculator sums settled batches from the Payroc reporting API.
// Amounts come back in cents; the net figure is converted to dollars.
type PayrocCalculator struct {
	httpClient *http.Client
	baseURL    string
	auth       *PayrocAuthService
}

func NewPayrocCalculator(httpClient *http.Client, auth *PayrocAuthService) (*PayrocCalculator, error) {
	baseURL := viper.GetString("PAYROC_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: PAYROC_BASE_URL not set", ErrConfigMissing)
	}
	return &PayrocCalculator{
		httpClient: httpClient,
		baseURL:    baseURL,
		auth:       auth,
	}, nil
}

// payrocConfig resolves the office code embedded in the processor name
// ("Payroc 12" -> office 12) and its base64-encoded API key from env.
func payrocConfig(processorName string) (officeCode, apiKey string, err error) {
	match := officeCodePattern.FindStringSubmatch(processorName)
	if match == nil {
		return "", "", fmt.Errorf("%w: could not parse office code from processor %q", ErrConfigMissing, processorName)
	}
	officeCode = match[1]
	encodedKey := viper.GetString("PAYROC_" + officeCode + "_API_TOKEN_B64")
	if encodedKey == "" {
		return "", "", fmt.Errorf("%w: api key not found for payroc office code %s", ErrConfigMissing, officeCode)
	}
	decoded, decodeErr := base64.StdEncoding.DecodeString(encodedKey)
	if decodeErr != nil {
		return "", "", fmt.Errorf("%w: api key for payroc office code %s is not valid base64", ErrConfigMissing, officeCode)
	}
	return officeCode, string(decoded), nil
}

func (p *PayrocCalculator) CalculateVolumeAndCount(ctx context.Context, merchantID, processorName string, window DateRange) (VolumeAndCount, error) {
	officeCode, apiKey, err := payrocConfig(processorName)
	if err != nil {
		return VolumeAndCount{}, err
	}
	log.Info().Msgf("calculating payroc volume for merchant %s (office %s) from %s to %s",
		merchantID, officeCode, window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))

	var totalNetCents float64
	var totalCount int64

	for day := window.Start; !day.After(window.End); day = day.AddDate(0, 0, 1) {
		accessToken, err := p.auth.GetAccessToken(ctx, officeCode, apiKey)
		if err != nil {
			return VolumeAndCount{}, err
		}
		netCents, count, err := p.sumBatchesForDay(ctx, merchantID, day, accessToken)
		if err != nil {
			return VolumeAndCount{}, err
		}
		totalNetCents += netCents
		totalCount += count
	}

	return VolumeAndCount{
		NetVolume:        totalNetCents / 100,
		TransactionCount: totalCount,
	}, nil
}

func (p *PayrocCalculator) sumBatchesForDay(ctx context.Context, merchantID string, day time.Time, accessToken string) (float64, int64, error) {
	var netCents float64
	var count int64
	var afterCursor int64
	hasMore := true

	for hasMore {
		params := url.Values{}
		params.Set("merchantId", merchantID)
		params.Set("date", day.Format("2006-01-02"))
		params.Set("limit", strconv.Itoa(payrocPageLimit))
		if afterCursor != 0 {
			params.Set("after", strconv.FormatInt(afterCursor, 10))
		}

		page, err := p.fetchBatchPage(ctx, params, accessToken)
		if err != nil {
			log.Error().Err(err).Msgf("failed to fetch payroc batches for merchant %s on date %s", merchantID, day.Format("2006-01-02"))
			return 0, 0, err
		}
		for _, batch := range page.Data {
			netCents += batch.SaleAmount - batch.ReturnAmount
			count += batch.TransactionCount
		}
		if len(page.Data) > 0 {
			afterCursor = page.Data[len(page.Data)-1].BatchID
		}
		hasMore = page.HasMore
	}
	return netCents, count, nil
}

func (p *PayrocCalculator) fetchBatchPage(ctx context.Context, params url.Values, accessToken string) (*payrocBatchPage, error) {
	t1 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/batches?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:payroc", "outcome:error"})
		return nil, fmt.Errorf("payroc batches request: %w", err)
	}
	defer resp.Body.Close()
	metric.Timing(metric.ExternalApiRequestLatency, time.Since(t1), []string{"api:payroc"})

	if resp.StatusCode != http.StatusOK {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:payroc", "outcome:error"})
		return nil, fmt.Errorf("payroc batches request: status %d", resp.StatusCode)
	}
	var page payrocBatchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("payroc batches decode: %w", err)
	}
	metric.Incr(metric.ExternalApiRequestCount, []string{"api:payroc", "outcome:success"})
	return &page, nil
}
