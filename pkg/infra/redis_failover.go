package infra

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	storageRedisFailoverPrefix      = "STORAGE_REDIS_FAILOVER_"
	redisMasterNameEnvSuffix        = "_MASTER_NAME"
	redisRouteRandomlyEnvSuffix     = "_ROUTE_RANDOM"
	redisSentinelAddressesEnvSuffix = "_SENTINEL_ADDRESSES"
)

var (
	RedisFailover *RedisFailoverConnectors
)

type RedisFailoverConnection struct {
	Client redis.UniversalClient
	Meta   map[string]interface{}
}

func (c *RedisFailoverConnection) GetConn() (interface{}, error) {
	if c.Client == nil {
		return nil, errors.New("connection nil")
	}
	return c.Client, nil
}

func (c *RedisFailoverConnection) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil {
		return nil, errors.New("meta nil")
	}
	return c.Meta, nil
}

func (c *RedisFailoverConnection) IsLive() bool {
	if err := c.Client.Ping(context.Background()).Err(); err != nil {
		return false
	}
	return true
}

type RedisFailoverConnectors struct {
	RedisFailoverConnections map[int]ConnectionFacade
}

func (s *RedisFailoverConnectors) GetConnection(configId int) (ConnectionFacade, error) {
	conn, ok := s.RedisFailoverConnections[configId]
	if !ok {
		return nil, errors.New("connection not found")
	}
	return conn, nil
}

func initRedisFailoverConns() {
	activeConfIdsStr := viper.GetString(storageRedisFailoverPrefix + activeConfIds)
	if activeConfIdsStr == "" {
		return
	}
	activeIds := strings.Split(activeConfIdsStr, ",")
	connections := make(map[int]ConnectionFacade, len(activeIds))
	for _, configIdStr := range activeIds {
		envPrefix := storageRedisFailoverPrefix + configIdStr
		failoverOptions, err := buildRedisFailoverOptionsFromEnv(envPrefix)
		if err != nil {
			log.Error().Err(err).Msg("Error building redis failover config")
			panic(err)
		}
		configId, err := strconv.Atoi(configIdStr)
		if err != nil {
			log.Error().Err(err).Msg("Error converting configId to int")
			panic(err)
		}
		client := redis.NewFailoverClient(failoverOptions)
		if _, ok := ConfIdDBTypeMap[configId]; ok {
			log.Error().Msg("Duplicate config id")
			panic("Duplicate config id")
		}
		ConfIdDBTypeMap[configId] = DBTypeRedisFailover
		connections[configId] = &RedisFailoverConnection{
			Client: client,
			Meta: map[string]interface{}{
				"configId": configId,
				"type":     DBTypeRedisFailover,
			},
		}
	}
	RedisFailover = &RedisFailoverConnectors{
		RedisFailoverConnections: connections,
	}
}

// buildRedisFailoverOptionsFromEnv constructs Redis Sentinel failover options
// from environment variables carrying the given prefix. <envPrefix>_MASTER_NAME
// and <envPrefix>_SENTINEL_ADDRESSES (comma-separated host:port list) are
// mandatory.
func buildRedisFailoverOptionsFromEnv(envPrefix string) (*redis.FailoverOptions, error) {
	log.Debug().Msgf("building redis failover config from env, env prefix - %s", envPrefix)

	if !viper.IsSet(envPrefix + redisMasterNameEnvSuffix) {
		return nil, errors.New(envPrefix + redisMasterNameEnvSuffix + " not set")
	}
	if !viper.IsSet(envPrefix + redisSentinelAddressesEnvSuffix) {
		return nil, errors.New(envPrefix + redisSentinelAddressesEnvSuffix + " not set")
	}

	failoverOptions := redis.FailoverOptions{
		MasterName:    viper.GetString(envPrefix + redisMasterNameEnvSuffix),
		SentinelAddrs: strings.Split(viper.GetString(envPrefix+redisSentinelAddressesEnvSuffix), ","),
	}

	if viper.IsSet(envPrefix + redisDbEnvSuffix) {
		failoverOptions.DB = viper.GetInt(envPrefix + redisDbEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisUsernameEnvSuffix) {
		failoverOptions.Username = viper.GetString(envPrefix + redisUsernameEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisPasswordEnvSuffix) {
		failoverOptions.Password = viper.GetString(envPrefix + redisPasswordEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisMaxRetryEnvSuffix) {
		failoverOptions.MaxRetries = viper.GetInt(envPrefix + redisMaxRetryEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisPoolSizeEnvSuffix) {
		failoverOptions.PoolSize = viper.GetInt(envPrefix + redisPoolSizeEnvSuffix)
	}
	if viper.IsSet(envPrefix + redisRouteRandomlyEnvSuffix) {
		failoverOptions.RouteRandomly = viper.GetBool(envPrefix + redisRouteRandomlyEnvSuffix)
	}
	log.Info().Msgf("redis failover options built from env, env prefix - %s", envPrefix)
	return &failoverOptions, nil
}
