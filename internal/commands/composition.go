package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/ksi-project/ksid/internal/promptcomposer"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

type getCompositionsParams struct {
	IncludeMetadata bool `json:"include_metadata,omitempty"`
}

func (p *getCompositionsParams) Validate() []registry.FieldError { return nil }

type compositionNameParams struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context,omitempty"`
}

func (p *compositionNameParams) Validate() []registry.FieldError {
	if p.Name == "" {
		return []registry.FieldError{fieldRequired("name")}
	}
	return nil
}

type composePromptParams struct {
	Composition string         `json:"composition"`
	Context     map[string]any `json:"context,omitempty"`
}

func (p *composePromptParams) Validate() []registry.FieldError {
	if p.Composition == "" {
		return []registry.FieldError{fieldRequired("composition")}
	}
	return nil
}

func registerComposition(reg *registry.Registry, deps Deps) {
	reg.Register(registry.Definition{
		Name:    "GET_COMPOSITIONS",
		NewArgs: func() any { return &getCompositionsParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*getCompositionsParams)
			names := deps.Composer.ListCompositions()
			if !p.IncludeMetadata {
				return map[string]any{"compositions": names, "count": len(names)}, nil
			}
			out := make([]map[string]any, 0, len(names))
			for _, name := range names {
				comp, _ := deps.Composer.GetComposition(name)
				out = append(out, map[string]any{
					"name":        comp.Name,
					"version":     comp.Version,
					"description": comp.Description,
					"metadata":    comp.Metadata,
				})
			}
			return map[string]any{"compositions": out, "count": len(out)}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "GET_COMPOSITION",
		NewArgs: func() any { return &compositionNameParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*compositionNameParams)
			comp, ok := deps.Composer.GetComposition(p.Name)
			if !ok {
				return nil, rpcerr.New(rpcerr.CompositionNotFound, "composition %q not found%s", p.Name, suggestCompositions(deps, p.Name))
			}
			return map[string]any{"composition": comp}, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "VALIDATE_COMPOSITION",
		NewArgs: func() any { return &compositionNameParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*compositionNameParams)
			result := deps.Composer.Validate(p.Name, p.Context)
			if result.Issues == nil {
				result.Issues = []promptcomposer.Issue{}
			}
			return result, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "COMPOSE_PROMPT",
		NewArgs: func() any { return &composePromptParams{} },
		Handle: func(ctx context.Context, params any) (any, error) {
			p := params.(*composePromptParams)
			if _, ok := deps.Composer.GetComposition(p.Composition); !ok {
				return nil, rpcerr.New(rpcerr.CompositionNotFound, "composition %q not found%s", p.Composition, suggestCompositions(deps, p.Composition))
			}
			result, err := deps.Composer.Compose(p.Composition, p.Context)
			if err != nil {
				var cycleErr *promptcomposer.CycleError
				var ctxErr *promptcomposer.ContextError
				switch {
				case errors.As(err, &cycleErr):
					return nil, rpcerr.New(rpcerr.CompositionInvalid, "%v", cycleErr)
				case errors.As(err, &ctxErr):
					return nil, rpcerr.New(rpcerr.ContextValidationError, "%v", ctxErr)
				default:
					return nil, rpcerr.New(rpcerr.CompositionFailed, "%v", err)
				}
			}
			if result.Warnings == nil {
				result.Warnings = []string{}
			}
			return result, nil
		},
	})

	reg.Register(registry.Definition{
		Name:    "LIST_COMPONENTS",
		NewArgs: func() any { return &emptyParams{} },
		Handle: func(ctx context.Context, _ any) (any, error) {
			components := deps.Composer.ListComponents()
			return map[string]any{"components": components, "count": len(components)}, nil
		},
	})
}

// suggestCompositions builds a "; did you mean: ..." suffix listing known
// composition names sharing a substring with name, the remedial-action hint
// the error taxonomy asks for on COMPOSITION_NOT_FOUND.
func suggestCompositions(deps Deps, name string) string {
	var similar []string
	lower := strings.ToLower(name)
	for _, known := range deps.Composer.ListCompositions() {
		kl := strings.ToLower(known)
		if strings.Contains(kl, lower) || strings.Contains(lower, kl) {
			similar = append(similar, known)
		}
	}
	if len(similar) == 0 {
		return ""
	}
	return "; did you mean: " + strings.Join(similar, ", ")
}
