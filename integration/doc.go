// Package integration runs the rdss-dataverse-ingest binary found in PATH
// against a Dataverse stand-in. The tests are skipped when the binary is
// missing, install it first with `go install .`.
//
// `go test` flags supported:
//
//   -debug
//
//    Run the binary with debug logging.
//
// Example: go test -v ./integration/... -debug
//
package integration
