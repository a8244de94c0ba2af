package metric

const (
	TagEnv     = "env"
	TagService = "service"
)

// TagAsString renders a statsd tag as "key:value"
func TagAsString(key, value string) string {
	return key + ":" + value
}
