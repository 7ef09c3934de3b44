/*
Package events provides two in-memory pub/sub brokers used inside the scan
orchestration core.

Broker distributes types.Event values (job state transitions, pipeline
milestones) to interested subscribers such as the orchestrator's own
bookkeeping. Publish waits until the distribution loop accepts the event
(or the broker stops); a full subscriber buffer drops the event rather
than stall distribution to the other subscribers.

LogBroker distributes types.LogChunk values from a single running
container's stdio to every attached reader: a live client and the scan
output parser both subscribe to the same container without either blocking
the other.

Both brokers follow the same shape: Start the distribution loop, Subscribe
for a channel, Publish to fan out, Unsubscribe (and Stop) to tear down.
Delivery is best-effort — there is no persistence or replay.
*/
package events
