package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/portalone/merchant-analytics/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const irisPageSize = 100

type irisTransaction struct {
	Date   string `json:"date"`
	Amount string `json:"amount"`
	Type   string `json:"type"`
}

type irisBatch struct {
	Transactions []irisTransaction `json:"transactions"`
}

type irisTransactionPage struct {
	Data []irisBatch `json:"data"`
}

// IrisCalculator nets transactions from an IRIS CRM deployment. Two brands
// run on it (Argyle, Merchant Lynx), each with its own token and base URL.
type IrisCalculator struct {
	httpClient *http.Client
}

func NewIrisCalculator(httpClient *http.Client) *IrisCalculator {
	return &IrisCalculator{httpClient: httpClient}
}

func irisConfig(processorName string) (apiKey, baseURL string, err error) {
	name := strings.ToLower(processorName)
	var prefix string
	switch {
	case strings.Contains(name, "argyle"):
		prefix = "ARGYLE"
	case strings.Contains(name, "merchant lynx"):
		prefix = "MERCHANT_LYNX"
	default:
		return "", "", fmt.Errorf("%w: no iris configuration for processor %q", ErrConfigMissing, processorName)
	}
	apiKey = viper.GetString(prefix + "_API_TOKEN")
	baseURL = viper.GetString(prefix + "_BASE_URL")
	if apiKey == "" || baseURL == "" {
		return "", "", fmt.Errorf("%w: %s configuration is incomplete", ErrConfigMissing, prefix)
	}
	return apiKey, baseURL, nil
}

func (c *IrisCalculator) CalculateVolumeAndCount(ctx context.Context, merchantID, processorName string, window DateRange) (VolumeAndCount, error) {
	apiKey, baseURL, err := irisConfig(processorName)
	if err != nil {
		return VolumeAndCount{}, err
	}
	log.Info().Msgf("calculating iris volume for merchant %s from %s to %s",
		merchantID, window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))

	var totalSales, totalRefunds float64
	var totalCount int64
	endExclusive := window.End.AddDate(0, 0, 1)

	page := 1
	for {
		batches, err := c.fetchTransactionPage(ctx, baseURL, apiKey, merchantID, page)
		if err != nil {
			log.Error().Err(err).Msgf("failed to fetch iris transactions for merchant %s on page %d", merchantID, page)
			return VolumeAndCount{}, err
		}
		if len(batches) == 0 {
			break
		}
		stop := false
		for _, batch := range batches {
			for _, trx := range batch.Transactions {
				trxDate, parseErr := time.Parse(time.RFC3339, trx.Date)
				if parseErr != nil {
					// fall back to a bare date, the API mixes both
					trxDate, parseErr = time.Parse("2006-01-02", trx.Date)
				}
				if parseErr != nil {
					log.Warn().Msgf("unparseable transaction date %q for merchant %s", trx.Date, merchantID)
					continue
				}
				// pages are reverse-chronological: anything before the window
				// means the rest is older still
				if trxDate.Before(window.Start) {
					stop = true
					break
				}
				if !trxDate.Before(endExclusive) {
					continue
				}

				totalCount++
				amount, parseErr := strconv.ParseFloat(trx.Amount, 64)
				if parseErr != nil {
					log.Warn().Msgf("unparseable transaction amount %q for merchant %s", trx.Amount, merchantID)
					continue
				}
				switch trx.Type {
				case "Sale":
					totalSales += amount
				case "Refund", "Return":
					totalRefunds += amount
				}
			}
			if stop {
				break
			}
		}
		if stop {
			break
		}
		page++
	}

	return VolumeAndCount{
		NetVolume:        totalSales - totalRefunds,
		TransactionCount: totalCount,
	}, nil
}

func (c *IrisCalculator) fetchTransactionPage(ctx context.Context, baseURL, apiKey, merchantID string, page int) ([]irisBatch, error) {
	t1 := time.Now()
	url := fmt.Sprintf("%s/merchants/%s/transactions?page=%d&per_page=%d", baseURL, merchantID, page, irisPageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:iris", "outcome:error"})
		return nil, fmt.Errorf("iris transactions request: %w", err)
	}
	defer resp.Body.Close()
	metric.Timing(metric.ExternalApiRequestLatency, time.Since(t1), []string{"api:iris"})

	if resp.StatusCode != http.StatusOK {
		metric.Incr(metric.ExternalApiRequestCount, []string{"api:iris", "outcome:error"})
		return nil, fmt.Errorf("iris transactions request: status %d", resp.StatusCode)
	}
	var body irisTransactionPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("iris transactions decode: %w", err)
	}
	metric.Incr(metric.ExternalApiRequestCount, []string{"api:iris", "outcome:success"})
	return body.Data, nil
}
