// Package vault models the shared document hierarchy that holds all task
// state. A task is a markdown document with a YAML frontmatter block, and
// the folder it sits in encodes its lifecycle state: available tasks live
// in the intake folder, claimed tasks under the owning agent's folder, and
// finished tasks in a terminal folder.
//
// The package exposes the folder layout as a pure mapping from an explicit
// TaskState to a directory, and hides the actual storage behind the Store
// interface so the engine can run against a real filesystem in production
// and an in-memory fake in tests.
package vault
