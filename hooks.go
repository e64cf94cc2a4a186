package h2engine

import "io"

// Hooks are called by the request pipeline. A nil hook is skipped.
type Hooks struct {
	// MapToStorage may rewrite the filename, the status or add response
	// headers once the filename was derived from the path.
	MapToStorage func(r *Request)
	// AccessChecker may deny the request by setting a status other
	// than 200.
	AccessChecker func(r *Request)
	// Content generates the response body into w. It is used when
	// neither the upstream proxy nor a script serves the request.
	Content func(r *Request, w io.Writer)
	// Fixups runs right before the response headers are submitted.
	Fixups func(r *Request)
	// Logging runs after the response was submitted.
	Logging func(r *Request)
}

// ScriptRunner runs an embedded script, writing its output to w. With
// shared set, the script may reuse an interpreter kept across requests.
type ScriptRunner interface {
	RunScript(r *Request, filename string, shared bool, w io.Writer) error
}

// ScriptRunnerFunc is an adapter to use an ordinary function as a
// ScriptRunner.
type ScriptRunnerFunc func(r *Request, filename string, shared bool, w io.Writer) error

func (f ScriptRunnerFunc) RunScript(r *Request, filename string, shared bool, w io.Writer) error {
	return f(r, filename, shared, w)
}
