// Package lifecycle implements the Agent Lifecycle Manager of spec.md §4.1:
// the only component that writes Agent state. Manager serializes mutations
// per agent behind a per-id lock (grounded on the teacher's
// pkg/manager.WarrenFSM, whose mu sync.RWMutex guards a single store.Store,
// generalized here to one lock per agent so unrelated agents don't
// contend), persists each transition and its causing event in a single
// storage.Store.Transition call before publishing on the Bus, and retries
// failed spawns with capped exponential backoff and jitter.
//
// Retry timing uses backoff.NewExponentialBackOff's NextBackOff directly
// rather than the package's top-level Retry helper: that API differs across
// cenkalti/backoff major versions and the manager needs precise control
// over the max-retries/jitter policy of spec.md §4.1 anyway.
package lifecycle
