// Package queue stores accepted envelopes and drives their delivery through
// a relay, retrying transient failures on the schedule of a backoff
// function.
//
// Two implementations exist: Memory keeps everything in process and is also
// the default queue of the application; Redis keeps envelopes and retry
// schedules in Redis so that several processes can share one queue.
package queue
