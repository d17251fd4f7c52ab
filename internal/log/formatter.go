// Package log provides the logrus formatter used by crmsync binaries.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the standard crmsync log formatter. When json is true
// entries are emitted as JSON for log shippers, otherwise as aligned text for
// terminals.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05.000",
		DisableLevelTruncation: true,
	}
}
