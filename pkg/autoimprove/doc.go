// Package autoimprove implements the Auto-Improvement Loop of spec.md §4.7:
// a cron-scheduled inspection of system health that files bounded work
// units and spawns tightly budgeted teams to act on them.
//
// Scheduling uses github.com/robfig/cron/v3 directly rather than the
// hand-rolled cron-field parsing r3e-network-service_layer's automation
// service falls back to (its parseNextCronExecution is an admitted
// placeholder, "production would use a full cron parser") — the pack
// already pulls in the real library, so this is the one place in the repo
// that exercises it as intended.
package autoimprove
