package guardianerrors

import (
	"errors"
	"testing"
)

func TestComponentErrorFormatting(t *testing.T) {
	base := errors.New("boom")
	err := New("storage", "open_or_create", KindStorageIO, base)

	if !errors.Is(err, err) {
		t.Fatal("errors.Is should match itself")
	}
	if !errors.Is(err, base) {
		t.Error("ComponentError should unwrap to its underlying error")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() must not be empty")
	}
}

func TestComponentErrorWithUsernameChangesMessage(t *testing.T) {
	err := New("tracker", "tick", KindStorageIO, errors.New("boom")).WithUsername("alice")
	if !contains(err.Error(), "alice") {
		t.Errorf("Error() = %q, want it to mention the username", err.Error())
	}
}

func TestKindStringKnownAndUnknown(t *testing.T) {
	if KindStorageBusy.String() != "StorageBusy" {
		t.Errorf("KindStorageBusy.String() = %q, want StorageBusy", KindStorageBusy.String())
	}
	if Kind(255).String() != "Unknown" {
		t.Errorf("unrecognized Kind.String() = %q, want Unknown", Kind(255).String())
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
