package infra

import "sync"

var (
	mut             sync.Mutex
	ConfIdDBTypeMap = make(map[int]DBType)
)

func InitDBConnectors() {
	mut.Lock()
	defer mut.Unlock()
	if RedisStandalone == nil {
		initRedisStandaloneConns()
	}
	if RedisFailover == nil {
		initRedisFailoverConns()
	}
}
