// Package assign turns available tasks into claims. It keeps an in-memory
// mirror of the intake folder ordered by priority, validates incoming
// documents, and matches tasks to agents through pluggable selection
// strategies in both pull (agent asks) and push (engine offers) modes.
//
// The folder hierarchy stays the source of truth. The mirror is rebuilt
// from it on every scan, so externally added or removed documents are
// picked up without coordination.
package assign
