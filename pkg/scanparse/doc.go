/*
Package scanparse turns a scanner's raw stdout/stderr lines into a typed
event sequence, grounded on the severity/summary modeling of a scan result
and the pub/sub log-broadcast style used elsewhere in this codebase.

Parser.Feed is pure: deterministic given (parser state, line), no I/O.
Lines matching the finding grammar produce Finding events; well-known
informational prefixes produce Progress events whose percent comes from a
fixed lookup table; everything else is Raw. Severity tokens are normalized
against the five-level scale, unrecognized ones flagged unknown_severity
rather than dropped. A per-parser set of finding_id (sha256 of
template_id/protocol/severity/target/matched_at) suppresses duplicates so
a restarted stream replaying its backlog from offset 0 doesn't double
count. A sliding window over the last W=20 lines tracks uniqueness; if
fewer than half the lines in the window are distinct and total lines
processed exceed 2·W, Feed returns a terminal LoopDetected event.
*/
package scanparse
