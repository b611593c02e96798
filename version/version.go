package version

import "fmt"

// VERSION is overridden at build time via -ldflags.
var VERSION = "dev"

const appName = "rdss-dataverse-ingest"

// AppVersion returns the identifier used in outgoing requests, e.g. the
// User-Agent header.
func AppVersion() string {
	return fmt.Sprintf("%s/%s", appName, VERSION)
}
