package tools

import "github.com/rhuss/chatgate/pkg/api"

// Permitted reports whether a caller holding roles may use a tool that
// requires any of required. A tool without required roles is public.
func Permitted(required, roles []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]bool, len(roles))
	for _, r := range roles {
		held[r] = true
	}
	for _, r := range required {
		if held[r] {
			return true
		}
	}
	return false
}

// FilterByRoles returns the definitions the caller may use, keeping order.
func FilterByRoles(defs []api.ToolDefinition, roles []string) []api.ToolDefinition {
	var out []api.ToolDefinition
	for _, d := range defs {
		if Permitted(d.RequiredRoles, roles) {
			out = append(out, d)
		}
	}
	return out
}
