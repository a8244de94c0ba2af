package infra

type DBType string

const (
	DBTypeRedisStandalone DBType = "standalone_redis"
	DBTypeRedisFailover   DBType = "failover_redis"
	activeConfIds                = "ACTIVE_CONFIG_IDS"
)

type ConnectionFacade interface {
	GetConn() (interface{}, error)
	GetMeta() (map[string]interface{}, error)
	IsLive() bool
}

type Connector interface {
	GetConnection(configId int) (ConnectionFacade, error)
}
