package config

import (
	"errors"
	"net/http"
	"time"

	"github.com/portalone/merchant-analytics/pkg/infra"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	appRedisConfigIdKey      = "APP_REDIS_CONFIG_ID"
	httpClientTimeoutMsKey   = "APP_HTTP_CLIENT_TIMEOUT_IN_MS"
	defaultHTTPClientTimeout = 30 * time.Second
)

// RedisConnection resolves the application's Redis client from the connector
// registry built by infra.InitDBConnectors, keyed by APP_REDIS_CONFIG_ID.
func RedisConnection() (redis.UniversalClient, error) {
	if !viper.IsSet(appRedisConfigIdKey) {
		return nil, errors.New(appRedisConfigIdKey + " not set")
	}
	configId := viper.GetInt(appRedisConfigIdKey)

	dbType, ok := infra.ConfIdDBTypeMap[configId]
	if !ok {
		return nil, errors.New("no redis connection configured for config id")
	}

	var connector infra.Connector
	switch dbType {
	case infra.DBTypeRedisStandalone:
		connector = infra.RedisStandalone
	case infra.DBTypeRedisFailover:
		connector = infra.RedisFailover
	default:
		return nil, errors.New("unsupported db type for config id")
	}

	facade, err := connector.GetConnection(configId)
	if err != nil {
		return nil, err
	}
	conn, err := facade.GetConn()
	if err != nil {
		return nil, err
	}
	client, ok := conn.(redis.UniversalClient)
	if !ok {
		return nil, errors.New("connection is not a redis client")
	}
	return client, nil
}

// NewHTTPClient builds the shared outbound HTTP client used by the processor
// and CRM integrations.
func NewHTTPClient() *http.Client {
	timeout := defaultHTTPClientTimeout
	if viper.IsSet(httpClientTimeoutMsKey) {
		timeout = time.Duration(viper.GetInt(httpClientTimeoutMsKey)) * time.Millisecond
	}
	return &http.Client{Timeout: timeout}
}
