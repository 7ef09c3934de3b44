/*
Package runtime launches short-lived Nuclei scanner containers on
containerd and supervises their lifecycle.

Runtime.Launch validates the target, stages template mounts, creates and
starts a container in one call; a Start failure after a successful Create
unwinds the container before the error is returned. Runtime.StreamLogs
attaches to a container's combined stdout/stderr through a per-container
LogBroker, replaying the backlog from offset 0 so a second subscriber
(a reconnecting client, or the scan output parser) doesn't miss bytes
produced before it attached. Runtime.Wait blocks for exit or a deadline;
Runtime.Destroy stops and removes a container and is idempotent. A
background reaper sweeps handles whose owning job has gone terminal and
whose TTL has elapsed.

validate.go accepts only URL, single IP, CIDR, or address-range targets.
mounts.go stages template directories or a single uploaded template file
as read-only bind mounts, cleaned up by Destroy.
*/
package runtime
