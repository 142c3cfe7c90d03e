// Package claim implements the atomic hand-off of a task from the shared
// intake folder to an agent's owned folder, and the inverse moves back.
//
// Claiming is linearizable per task: of N concurrent attempts on the same
// task exactly one succeeds. Exclusivity comes from an exclusive
// create-only lock marker keyed by task id; holding the lock proves
// ownership of the claim attempt, not of the task. The task itself only
// changes hands through a write-then-delete move under the lock, so any
// crash leaves the document either in its old place or duplicated, never
// lost. Duplicates are healed by the reconciliation scan in package
// reclaim.
package claim
