// Package buildinfo carries version metadata stamped at link time with
// -ldflags "-X github.com/amirgulubayli/opensheath-sub001/core/infra/buildinfo.Version=...".
package buildinfo

import (
	"fmt"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary under the service's component prefix.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
