package noop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/chatgate/pkg/auth"
)

func TestAuthenticate(t *testing.T) {
	a := &Authenticator{Roles: []string{"admin"}}
	res := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))

	if res.Decision != auth.Yes {
		t.Fatalf("decision = %v, want Yes", res.Decision)
	}
	if res.Identity.Subject != "anonymous" || len(res.Identity.Roles) != 1 {
		t.Errorf("identity = %+v", res.Identity)
	}

	res.Identity.Roles[0] = "guest"
	if a.Roles[0] != "admin" {
		t.Error("identity shares the configured roles slice")
	}
}
