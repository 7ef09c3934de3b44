// Package api exposes an Orchestrator over HTTP/JSON: one handler per
// operation, routed by method and path, encoding/decoding with
// encoding/json. The teacher's own manager node runs a matching "pkg/api"
// server alongside its metrics endpoint; this package plays the same role
// for scanorc, traded for a generated gRPC service since scanorc has no
// protoc step in its build.
package api
