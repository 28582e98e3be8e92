package collab

import (
	"context"

	"github.com/agentworker/agentworker/internal/backend"
)

// ToolDefs adapts the registry for in-process backends, binding every
// handler to one caller agent. The MCP mount resolves identity per request
// instead; both paths end in Dispatch.
func (r *Registry) ToolDefs(caller string) []backend.ToolDef {
	defs := make([]backend.ToolDef, 0, len(r.specs))
	for _, spec := range r.specs {
		name := spec.Name
		defs = append(defs, backend.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      spec.Schema,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return r.Dispatch(ctx, name, Call{Caller: caller, Args: args})
			},
		})
	}
	return defs
}
