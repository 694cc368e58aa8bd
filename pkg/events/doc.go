// Package events implements the orchestration core's event bus: in-process
// publish/subscribe over a bounded ring-buffer replay log.
//
// Every published event gets a monotonically increasing Seq. Subscriptions
// choose Sync delivery (handler runs inline with Publish) or Async (handler
// runs on its own goroutine fed by a bounded queue that drops the oldest
// entry on overflow, emitting lag_warning). A panicking Sync handler is
// recovered and reported as subscriber_error rather than taking down the
// bus. GetRecent and GetEvents read back the replay log; an optional Mirror
// (RedisMirror ships one) forwards every publish to an out-of-process
// broker for multi-process subscribers, without ever failing the publish
// itself on a mirror error.
package events
