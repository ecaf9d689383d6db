package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type pingParams struct {
	Name string `json:"name"`
}

func (p *pingParams) Validate() []registry.FieldError {
	var errs []registry.FieldError
	if p.Name == "" {
		errs = append(errs, registry.FieldError{Path: "name", Message: "required"})
	}
	return errs
}

func newRegistry() *registry.Registry {
	r := registry.New()
	r.Register(registry.Definition{
		Name:    "PING",
		NewArgs: func() any { return &pingParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*pingParams)
			return map[string]string{"echo": p.Name}, nil
		},
	})
	r.Alias("PONG", "PING")
	return r
}

func TestDispatch_Success(t *testing.T) {
	r := newRegistry()
	result, err := r.Dispatch(context.Background(), "PING", []byte(`{"name":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "a1"}, result)
}

func TestDispatch_Alias(t *testing.T) {
	r := newRegistry()
	result, err := r.Dispatch(context.Background(), "PONG", []byte(`{"name":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "a1"}, result)
}

func TestDispatch_UnknownCommand(t *testing.T) {
	r := newRegistry()
	_, err := r.Dispatch(context.Background(), "NOPE", []byte(`{}`))
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.UnknownCommand, rpcErr.Code)
}

func TestDispatch_InvalidParameters_MissingField(t *testing.T) {
	r := newRegistry()
	_, err := r.Dispatch(context.Background(), "PING", []byte(`{}`))
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InvalidParameters, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "name")
}

func TestDispatch_InvalidParameters_UnknownField(t *testing.T) {
	r := newRegistry()
	_, err := r.Dispatch(context.Background(), "PING", []byte(`{"name":"a1","bogus":1}`))
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InvalidParameters, rpcErr.Code)
}

func TestRegister_DuplicatePanics(t *testing.T) {
	r := newRegistry()
	assert.Panics(t, func() {
		r.Register(registry.Definition{Name: "PING", NewArgs: func() any { return &pingParams{} }})
	})
}
