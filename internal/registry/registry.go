// Package registry implements the command registry and validation layer:
// a process-wide, statically populated table mapping a command name to its
// parameter type, handler, and response shape, plus legacy aliases (e.g.
// SPAWN == COMPLETION).
//
// Validation happens in two stages, syntax then semantics: a command's
// Params type decodes strictly (unknown keys rejected) and then runs its
// own Validate, which reports every problem it finds rather than stopping
// at the first one, each tagged with a field path.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ksi-project/ksid/internal/rpcerr"
)

// FieldError names one parameter-validation problem.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validator is implemented by every command's parameter struct.
type Validator interface {
	Validate() []FieldError
}

// Handler executes a command's business logic once its parameters have
// validated successfully. It returns the result to serialise into
// Response.Result, or an error (ideally *rpcerr.Error for a specific wire
// code; anything else becomes COMMAND_PROCESSING_FAILED).
type Handler func(ctx context.Context, params any) (any, error)

// Definition binds a command name to its parameter type and handler.
type Definition struct {
	Name    string
	NewArgs func() any // returns a fresh *Params to unmarshal into
	Handle  Handler
}

// Registry is the process-wide command table. Every access is guarded by
// a read/write mutex, so it is safe for concurrent use; registration
// itself is expected to happen once at startup before any connection is
// accepted.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Definition
	aliases map[string]string // alias -> canonical name
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName:  make(map[string]*Definition),
		aliases: make(map[string]string),
	}
}

// Register binds a command definition. Panics on duplicate registration —
// this is a programmer error caught at startup, not a runtime condition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		panic(fmt.Sprintf("registry: command %q already registered", def.Name))
	}
	r.byName[def.Name] = &def
}

// Alias registers alias as a legacy synonym for canonical. Panics if
// canonical is unknown or alias collides with an existing name.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[canonical]; !exists {
		panic(fmt.Sprintf("registry: alias %q points at unknown command %q", alias, canonical))
	}
	if _, exists := r.byName[alias]; exists {
		panic(fmt.Sprintf("registry: alias %q collides with a registered command", alias))
	}
	if _, exists := r.aliases[alias]; exists {
		panic(fmt.Sprintf("registry: alias %q already registered", alias))
	}
	r.aliases[alias] = canonical
}

// Names returns every command name known to the registry (canonical only,
// sorted), for GET_COMMANDS.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Canonical resolves name (following an alias if it is one) to its
// canonical command name, or "" if name is unknown.
func (r *Registry) Canonical(name string) string {
	_, canonical := r.resolve(name)
	return canonical
}

func (r *Registry) resolve(name string) (*Definition, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		return r.byName[canonical], canonical
	}
	if def, ok := r.byName[name]; ok {
		return def, name
	}
	return nil, ""
}

// strictUnmarshal decodes raw into dst, rejecting unknown JSON fields.
func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// Dispatch looks up name (resolving aliases), strictly decodes rawParams
// into the command's parameter type, validates it, and — if all of that
// succeeds — invokes the handler. It never mutates daemon state itself;
// that is entirely the handler's responsibility, and handlers are only
// ever reached after validation passes.
func (r *Registry) Dispatch(ctx context.Context, name string, rawParams []byte) (any, error) {
	def, canonical := r.resolve(name)
	if def == nil {
		return nil, rpcerr.New(rpcerr.UnknownCommand, "unknown command %q", name)
	}
	args := def.NewArgs()
	if len(rawParams) == 0 {
		rawParams = []byte("{}")
	}
	if err := strictUnmarshal(rawParams, args); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidParameters, "%s: %v", canonical, err)
	}
	if v, ok := args.(Validator); ok {
		if fieldErrs := v.Validate(); len(fieldErrs) > 0 {
			return nil, rpcerr.New(rpcerr.InvalidParameters, "%s", formatFieldErrors(fieldErrs))
		}
	}
	result, err := def.Handle(ctx, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func formatFieldErrors(errs []FieldError) string {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return msg
}
