package domain

// PluginConfig is one tenant's activation of a plugin: which registered
// plugin to run, with which configuration values, in which order.
type PluginConfig struct {
	ID          string
	TenantID    string
	PluginName  string
	Enabled     bool
	Order       int
	Config      map[string]string
	PersistLogs bool
}
