// Package testutil provides test helpers shared across packages:
//   - miniredis servers and clients for the Redis catalog, ledger, queue and
//     scheduler (miniredis.go)
//   - temp-dir file fixtures for pipeline definitions and source files
//     (files.go)
//
// None of the helpers need Docker or a running Redis.
package testutil
