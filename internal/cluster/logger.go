package cluster

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger creates the hclog.Logger handed to Raft. An empty level
// silences Raft entirely.
func newRaftLogger(level string, output io.Writer) hclog.Logger {
	if level == "" || output == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(level),
		Output: output,
	})
}
