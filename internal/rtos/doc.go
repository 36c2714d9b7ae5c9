// Package rtos is the protocol-adapter layer shared by RTOS views.
//
// A view for one kernel (a variant) asks the paused target for symbols
// through the Debug Adapter Protocol and turns the answers into table
// rows. This package owns everything that is not kernel specific:
//
//   - Evaluator: gates every evaluate/variables request on the program
//     being halted, and keeps one cached Var per expression.
//   - Var: the resolve-and-cache behavior for a single expression.
//   - Base: the detect/refresh/render lifecycle every variant embeds.
//   - Tracker: tries candidate variants on each stop until one detects,
//     then refreshes it and keeps the last good view.
//
// # Outcomes
//
// Requests are only issued while the program is stopped. When it is not,
// reference and value lookups return a pending Lookup ("busy, try again on
// the next stop") rather than an error. Children enumeration reports the
// same condition as ErrBusy. A halted evaluation that produces nothing
// usable is ErrNotFound unless the lookup was optional, in which case the
// Lookup is Absent. Failures of the session itself are wrapped in
// ProtocolError.
//
// Every request records the stop epoch it was issued in. A reply that
// arrives after the target resumed is discarded and reported as busy
// (ErrStale), so no value from a previous stop is cached as current.
package rtos
