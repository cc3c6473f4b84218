package rpc

import "context"

// Hook is the sole vehicle for capability references: an abstract handle
// to a local or remote capability.
//
// Every hook has exactly one logical owner. Dup is the only way to mint a
// second owner, and the total number of Dispose calls must equal the
// number of constructions plus Dup calls. Disposing the same reference
// twice is a contract violation and panics.
type Hook interface {
	// Dup produces an independent reference to the same capability.
	Dup() Hook

	// Dispose releases this reference.
	Dispose()

	// Get returns a new hook addressing a sub-path. It performs no I/O.
	Get(path Path) Hook

	// Call invokes the capability at path. Ownership of args moves to the
	// callee. The returned hook represents the eventual result.
	Call(path Path, args *Payload) Hook

	// Map installs a recorded transform on the value at path. Ownership of
	// the captures moves to the callee. The returned hook represents the
	// eventual mapped result.
	Map(path Path, captures []Hook, instructions []Instruction) Hook

	// Pull resolves the capability to a payload. It may suspend. The
	// returned payload is owned by the caller.
	Pull(ctx context.Context) (*Payload, error)

	// OnBroken registers a one-shot callback invoked when the underlying
	// capability is known dead. If it already is, the callback fires
	// immediately.
	OnBroken(fn func(error))
}

// Target is implemented by application objects exposed over a session.
// Dispatch below a target is the application's business; the runtime only
// routes paths and argument lists to it.
type Target interface {
	// Get reads the value at path.
	Get(ctx context.Context, path Path) (any, error)

	// Call invokes the method at path.
	Call(ctx context.Context, path Path, args []any) (any, error)
}

// Exporter is consulted by the devaluator when it meets a hook inside a
// value. The session is the default implementer; a map builder is the
// alternate implementer used while recording.
type Exporter interface {
	// ExportHook returns the instruction standing for h in the encoded
	// stream. promise is true when the reference is an unsettled promise
	// the peer may pipeline on.
	ExportHook(h Hook, promise bool) (Instruction, error)
}

// Importer is consulted by the evaluator to turn reference instructions
// back into live hooks. The session is the default implementer; a map
// applicator is the alternate implementer used while replaying.
//
// Every returned hook is owned by the caller.
type Importer interface {
	// ImportHook materializes ["export", id]: the sender introduced a new
	// capability under id.
	ImportHook(id int64) (Hook, error)

	// LookupImport materializes ["import", id]: the sender referenced a
	// capability this side already has authority over.
	LookupImport(id int64) (Hook, error)

	// PipelineHook materializes a pipelined operation on subject before it
	// has resolved.
	PipelineHook(subject int64, path Path, args []Instruction, hasArgs bool) (Hook, error)

	// RemapHook installs a recorded transform on subject.
	RemapHook(subject int64, path Path, captures []Instruction, body []Instruction) (Hook, error)
}
