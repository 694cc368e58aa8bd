// Package budget enforces token/cost limits per agent/team/project/global
// scope and time window. TryDebitCascade is the atomic debit the Lifecycle
// Manager uses (TryDebit is its one-scope form): it commits a usage debit to
// every scope in the chain or to none and, crossing a threshold, emits a
// budget_warning/budget_throttle/budget_exhausted event on the bus. Once a
// scope is exhausted, subsequent debits and spawns are denied until Reset.
package budget
