/*
Package health provides reachability checks used before a validation-stage
scan's container is launched against a CVE's configured reference target: an HTTP
checker for web targets and a TCP checker for everything else.

	Checker interface
	├── HTTPChecker  — GET/HEAD against a URL, healthy iff status in range
	└── TCPChecker   — dial the address, healthy iff the connection succeeds

Status implements hysteresis (ConsecutiveFailures/ConsecutiveSuccesses) so a
single transient blip doesn't flip a target's readiness; configure the
threshold via Config.Retries. All checks respect context deadlines.
*/
package health
