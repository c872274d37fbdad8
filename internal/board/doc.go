// Package board is the client for the remote work-tracking API: a single
// HTTPS JSON-over-POST endpoint accepting a mutation document plus variables,
// answering with a data object keyed by operation alias or an errors array.
//
// Structure:
//
//	client.go   - rate-limited client with retry, Execute, dry run
//	request.go  - mutation document builder (positional aliases)
//	columns.go  - payload-to-column-value translation, enum wrapping
//	auth.go     - authentication strategies
//	types.go    - operations, records, results, wire envelope
//	errors.go   - API and transport errors with sync error codes
//	stub.go     - in-process stub API for tests
package board
