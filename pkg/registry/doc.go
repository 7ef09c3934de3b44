/*
Package registry is the single source of truth for job lifecycle, scan
findings, the template/CVE cache, and pipeline runs, backed by a
pluggable key-value Store.

Store is implemented twice, selected by configuration, mirroring a
single-interface-multiple-backends design: RedisStore is the primary
backend (also used by pkg/scheduler for its named queues), BoltStore is a
local/offline backend for single-process dev and test runs without Redis.

Registry wraps a Store with CAS state-transition enforcement — Transition
validates that the edge from a job's current state is legal before
writing, so an illegal transition fails without mutating anything — and
an optional in-memory read cache. ReapOrphans sweeps running jobs whose
worker heartbeat has expired and transitions them to failure(WorkerLost).
*/
package registry
