package tools

import (
	"testing"

	"github.com/rhuss/chatgate/pkg/api"
)

func TestPermitted(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		roles    []string
		want     bool
	}{
		{"public tool", nil, nil, true},
		{"public tool with roles", nil, []string{"admin"}, true},
		{"missing role", []string{"admin"}, nil, false},
		{"holds role", []string{"admin"}, []string{"user", "admin"}, true},
		{"holds one of several", []string{"admin", "analyst"}, []string{"analyst"}, true},
		{"holds other role", []string{"admin"}, []string{"user"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Permitted(tt.required, tt.roles); got != tt.want {
				t.Errorf("Permitted(%v, %v) = %v, want %v", tt.required, tt.roles, got, tt.want)
			}
		})
	}
}

func TestFilterByRoles(t *testing.T) {
	defs := []api.ToolDefinition{
		{Name: "weather"},
		{Name: "delete_user", RequiredRoles: []string{"admin"}},
		{Name: "report", RequiredRoles: []string{"analyst"}},
	}

	got := FilterByRoles(defs, []string{"analyst"})
	if len(got) != 2 || got[0].Name != "weather" || got[1].Name != "report" {
		t.Errorf("FilterByRoles = %+v", got)
	}
	if got := FilterByRoles(defs, nil); len(got) != 1 {
		t.Errorf("anonymous caller sees %d tools, want 1", len(got))
	}
}
