package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/invopop/jsonschema"
)

// Operation distinguishes the procedure kinds a router exposes.
type Operation string

const (
	OpQuery    Operation = "query"
	OpMutation Operation = "mutation"
	OpStream   Operation = "stream"
)

// Mode is how a procedure's result is delivered.
type Mode int

const (
	// ModeSingle procedures produce exactly one result.
	ModeSingle Mode = iota
	// ModeStream procedures produce an ordered sequence of chunks.
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "single"
}

// Handler is the body of a single-result procedure.
type Handler[I, O any] func(ctx context.Context, c *Context, in I) (O, error)

// StreamHandler is the body of a streaming procedure. The returned sequence
// is pulled lazily; the producer must stop when yield returns false and
// should watch ctx between chunks.
type StreamHandler[I, P any] func(ctx context.Context, c *Context, in I) iter.Seq2[Chunk[P], error]

// Option configures a procedure.
type Option func(*procConfig)

type procConfig struct {
	description  string
	allowUnknown bool
}

// WithDescription sets the description shown in procedure listings.
func WithDescription(desc string) Option {
	return func(c *procConfig) { c.description = desc }
}

// WithAllowUnknownFields accepts input objects carrying fields the input type
// does not declare. By default such input is rejected.
func WithAllowUnknownFields(allow bool) Option {
	return func(c *procConfig) { c.allowUnknown = allow }
}

// Procedure is an immutable descriptor binding access checks, input
// decoding and a handler. Build one with Query, Mutation or Stream.
type Procedure struct {
	op          Operation
	access      Access
	checks      []Check
	description string
	schema      *jsonschema.Schema

	decode func(json.RawMessage) (any, error)
	call   func(context.Context, *Context, any) (any, error)
	open   func(context.Context, *Context, any) iter.Seq2[Chunk[any], error]
}

// Query declares a read-only single-result procedure.
func Query[I, O any](t Template, h Handler[I, O], opts ...Option) *Procedure {
	return single(OpQuery, t, h, opts)
}

// Mutation declares a single-result procedure with side effects.
func Mutation[I, O any](t Template, h Handler[I, O], opts ...Option) *Procedure {
	return single(OpMutation, t, h, opts)
}

func single[I, O any](op Operation, t Template, h Handler[I, O], opts []Option) *Procedure {
	if h == nil {
		panic("rpc: nil handler")
	}
	p, cfg := newProcedure[I](op, t, opts)
	p.decode = func(raw json.RawMessage) (any, error) {
		return decodeInput[I](raw, cfg.allowUnknown)
	}
	p.call = func(ctx context.Context, c *Context, in any) (any, error) {
		v, _ := in.(I)
		return h(ctx, c, v)
	}
	return p
}

// Stream declares a procedure that delivers its result as ordered chunks.
func Stream[I, P any](t Template, h StreamHandler[I, P], opts ...Option) *Procedure {
	if h == nil {
		panic("rpc: nil handler")
	}
	p, cfg := newProcedure[I](OpStream, t, opts)
	p.decode = func(raw json.RawMessage) (any, error) {
		return decodeInput[I](raw, cfg.allowUnknown)
	}
	p.open = func(ctx context.Context, c *Context, in any) iter.Seq2[Chunk[any], error] {
		v, _ := in.(I)
		seq := h(ctx, c, v)
		if seq == nil {
			return func(func(Chunk[any], error) bool) {}
		}
		return ordered(ctx, seq)
	}
	return p
}

func newProcedure[I any](op Operation, t Template, opts []Option) (*Procedure, procConfig) {
	var cfg procConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Procedure{
		op:          op,
		access:      t.access,
		checks:      t.Checks(),
		description: cfg.description,
		schema:      reflectInputSchema[I](cfg.allowUnknown),
	}, cfg
}

func (*Procedure) node() {}

func (p *Procedure) Operation() Operation { return p.op }
func (p *Procedure) Access() Access       { return p.access }
func (p *Procedure) Description() string  { return p.description }

// InputSchema is the JSON schema reflected from the input type.
func (p *Procedure) InputSchema() *jsonschema.Schema { return p.schema }

func (p *Procedure) Mode() Mode {
	if p.op == OpStream {
		return ModeStream
	}
	return ModeSingle
}

// Authorize runs the procedure's checks in order and returns the first
// failure.
func (p *Procedure) Authorize(c *Context) (err error) {
	defer recoverInto(&err, "check")
	for _, check := range p.checks {
		if err := check(c); err != nil {
			return AsError(err)
		}
	}
	return nil
}

// Decode parses and validates raw input. Failures are BAD_INPUT errors.
func (p *Procedure) Decode(raw json.RawMessage) (_ any, err error) {
	defer recoverInto(&err, "input decoder")
	in, err := p.decode(raw)
	if err != nil {
		return nil, AsError(err)
	}
	return in, nil
}

// Call runs a single-result handler with decoded input. It must only be
// called after Authorize succeeded.
func (p *Procedure) Call(ctx context.Context, c *Context, in any) (out any, err error) {
	if p.call == nil {
		return nil, Internal(fmt.Errorf("procedure is a %s", p.op))
	}
	defer recoverInto(&err, "handler")
	out, err = p.call(ctx, c, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Open starts a streaming handler with decoded input. It must only be called
// after Authorize succeeded. A panic while the handler builds its sequence
// ends the stream with a single INTERNAL error.
func (p *Procedure) Open(ctx context.Context, c *Context, in any) (seq iter.Seq2[Chunk[any], error]) {
	if p.open == nil {
		return failed(Internal(fmt.Errorf("procedure is a %s", p.op)))
	}
	var err error
	defer func() {
		if err != nil {
			seq = failed(err)
		}
	}()
	defer recoverInto(&err, "stream handler")
	return p.open(ctx, c, in)
}

func failed(err error) iter.Seq2[Chunk[any], error] {
	return func(yield func(Chunk[any], error) bool) {
		yield(Chunk[any]{}, err)
	}
}

// recoverInto turns a panic in the deferring function into an INTERNAL error
// stored in *err.
func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = Internal(fmt.Errorf("%s panic: %v", what, r))
	}
}

// Invoke drives one call through its states: authorize, decode, execute.
// emit receives the result of a single-result procedure, or each Chunk[any]
// of a stream, in order. An emit error stops execution and is returned as
// is. Other failures are returned as *Error together with the terminal
// state.
func (p *Procedure) Invoke(ctx context.Context, c *Context, raw json.RawMessage, emit func(any) error) (State, error) {
	if err := p.Authorize(c); err != nil {
		return rejectedOrFailed(err), err
	}

	in, err := p.Decode(raw)
	if err != nil {
		return rejectedOrFailed(err), err
	}

	if p.Mode() == ModeSingle {
		out, err := p.Call(ctx, c, in)
		if err != nil {
			return StateFailed, AsError(err)
		}
		if err := emit(out); err != nil {
			return StateFailed, err
		}
		return StateCompleted, nil
	}

	for ch, err := range p.Open(ctx, c, in) {
		if err != nil {
			return StateFailed, AsError(err)
		}
		if err := emit(ch); err != nil {
			return StateFailed, err
		}
	}
	return StateCompleted, nil
}

// rejectedOrFailed is the state of a call stopped before execution: a caller
// error rejects it, an INTERNAL error fails it.
func rejectedOrFailed(err error) State {
	if AsError(err).Kind == KindInternal {
		return StateFailed
	}
	return StateRejected
}
