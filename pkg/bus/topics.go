package bus

// Topics used by the core services. The spellings predate the NATS
// migration and are kept stable so existing subscribers keep working;
// NATS treats each as a single opaque subject token.
const (
	TopicAPIRequest    = "api_request"
	TopicAPIResponse   = "api_response"
	TopicClientManager = "NetbootStudio/ClientManager"
	TopicTaskStatus    = "NetbootStudio/TaskStatus"

	dataSourcePrefix = "NetbootStudio/DataSources/"
)

// DataSourceTopic returns the per-source topic for a named data source.
func DataSourceTopic(name string) string {
	return dataSourcePrefix + name
}
