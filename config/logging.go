package config

import (
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("metatrace.config")

// ConfigureLogging sets up the commonlog backend. Verbosity -1 silences
// logging, 0 shows notices and above, 2 shows debug output. An empty
// path logs to stderr.
func ConfigureLogging(verbosity int, path string) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// ConfigureLogging applies the [log] table.
func (c *Config) ConfigureLogging() {
	ConfigureLogging(c.Log.Verbosity, c.Log.Path)
}
