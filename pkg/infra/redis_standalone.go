package infra

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	storageRedisStandalonePrefix = "STORAGE_REDIS_STANDALONE_"
	redisAddrEnvSuffix           = "_ADDR"
	redisUsernameEnvSuffix       = "_USERNAME"
	redisPasswordEnvSuffix       = "_PASSWORD"
	redisDbEnvSuffix             = "_DB"
	redisMaxRetryEnvSuffix       = "_MAX_RETRY"
	redisDialTimeoutEnvSuffix    = "_DIAL_TIMEOUT_IN_MS"
	redisReadTimeoutEnvSuffix    = "_READ_TIMEOUT_IN_MS"
	redisWriteTimeoutEnvSuffix   = "_WRITE_TIMEOUT_IN_MS"
	redisPoolSizeEnvSuffix       = "_POOL_SIZE"
	redisMinIdleEnvSuffix        = "_MIN_IDLE_CONN"
	redisPoolTimeoutEnvSuffix    = "_POOL_TIMEOUT_IN_MS"
)

var (
	RedisStandalone *RedisStandaloneConnectors
)

type RedisStandaloneConnection struct {
	Client redis.UniversalClient
	Meta   map[string]interface{}
}

func (c *RedisStandaloneConnection) GetConn() (interface{}, error) {
	if c.Client == nil {
		return nil, errors.New("connection nil")
	}
	return c.Client, nil
}

func (c *RedisStandaloneConnection) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil {
		return nil, errors.New("meta nil")
	}
	return c.Meta, nil
}

func (c *RedisStandaloneConnection) IsLive() bool {
	if err := c.Client.Ping(context.Background()).Err(); err != nil {
		return false
	}
	return true
}

type RedisStandaloneConnectors struct {
	RedisStandaloneConnections map[int]ConnectionFacade
}

func (s *RedisStandaloneConnectors) GetConnection(configId int) (ConnectionFacade, error) {
	conn, ok := s.RedisStandaloneConnections[configId]
	if !ok {
		return nil, errors.New("connection not found")
	}
	return conn, nil
}

func initRedisStandaloneConns() {
	activeConfIdsStr := viper.GetString(storageRedisStandalonePrefix + activeConfIds)
	if activeConfIdsStr == "" {
		return
	}
	activeIds := strings.Split(activeConfIdsStr, ",")
	connections := make(map[int]ConnectionFacade, len(activeIds))
	for _, configIdStr := range activeIds {
		envPrefix := storageRedisStandalonePrefix + configIdStr
		redisOptions, err := buildRedisOptionsFromEnv(envPrefix)
		if err != nil {
			log.Error().Err(err).Msg("Error building redis standalone config")
			panic(err)
		}
		configId, err := strconv.Atoi(configIdStr)
		if err != nil {
			log.Error().Err(err).Msg("Error converting configId to int")
			panic(err)
		}
		client := redis.NewClient(redisOptions)
		if _, ok := ConfIdDBTypeMap[configId]; ok {
			log.Error().Msg("Duplicate config id")
			panic("Duplicate config id")
		}
		ConfIdDBTypeMap[configId] = DBTypeRedisStandalone
		connections[configId] = &RedisStandaloneConnection{
			Client: client,
			Meta: map[string]interface{}{
				"configId": configId,
				"type":     DBTypeRedisStandalone,
			},
		}
	}
	RedisStandalone = &RedisStandaloneConnectors{
		RedisStandaloneConnections: connections,
	}
}

// buildRedisOptionsFromEnv constructs standalone Redis options from environment
// variables carrying the given prefix. <envPrefix>_ADDR and <envPrefix>_DB are
// mandatory; timeouts and pool settings fall back to client defaults when unset.
func buildRedisOptionsFromEnv(envPrefix string) (*redis.Options, error) {
	log.Debug().Msgf("building redis standalone config from env, env prefix - %s", envPrefix)

	if !viper.IsSet(envPrefix + redisAddrEnvSuffix) {
		return nil, errors.New(envPrefix + redisAddrEnvSuffix + " not set")
	}
	if !viper.IsSet(envPrefix + redisDbEnvSuffix) {
		return nil, errors.New(envPrefix + redisDbEnvSuffix + " not set")
	}

	redisOptions := redis.Options{
		Addr: viper.GetString(envPrefix + redisAddrEnvSuffix),
		DB:   viper.GetInt(envPrefix + redisDbEnvSuffix),
	}

	if viper.IsSet(envPrefix + redisUsernameEnvSuffix) {
		redisOptions.Username = viper.GetString(envPrefix + redisUsernameEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisPasswordEnvSuffix) {
		redisOptions.Password = viper.GetString(envPrefix + redisPasswordEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisMaxRetryEnvSuffix) {
		redisOptions.MaxRetries = viper.GetInt(envPrefix + redisMaxRetryEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisDialTimeoutEnvSuffix) {
		redisOptions.DialTimeout = time.Duration(viper.GetInt(envPrefix+redisDialTimeoutEnvSuffix)) * time.Millisecond
	}
	if viper.IsSet(envPrefix + redisReadTimeoutEnvSuffix) {
		redisOptions.ReadTimeout = time.Duration(viper.GetInt(envPrefix+redisReadTimeoutEnvSuffix)) * time.Millisecond
	}
	if viper.IsSet(envPrefix + redisWriteTimeoutEnvSuffix) {
		redisOptions.WriteTimeout = time.Duration(viper.GetInt(envPrefix+redisWriteTimeoutEnvSuffix)) * time.Millisecond
	}
	if viper.IsSet(envPrefix + redisPoolSizeEnvSuffix) {
		redisOptions.PoolSize = viper.GetInt(envPrefix + redisPoolSizeEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisMinIdleEnvSuffix) {
		redisOptions.MinIdleConns = viper.GetInt(envPrefix + redisMinIdleEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisPoolTimeoutEnvSuffix) {
		redisOptions.PoolTimeout = time.Duration(viper.GetInt(envPrefix+redisPoolTimeoutEnvSuffix)) * time.Millisecond
	}
	log.Info().Msgf("redis options built from env, env prefix - %s", envPrefix)
	return &redisOptions, nil
}
