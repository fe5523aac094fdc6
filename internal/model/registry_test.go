package model

import "testing"

func TestTypeRegistry(t *testing.T) {
	reg := NewTypeRegistry()
	reg.RegisterAST(parseTree(t))

	stmts := reg.ByType("Stmt")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 Stmt elements, got %d", len(stmts))
	}

	reg.SetRuntime(&Element{
		ID:    "rt",
		Types: []string{"State", "Stmt"},
	})

	both := reg.ByType("Stmt")
	if len(both) != 3 {
		t.Fatalf("expected 3 Stmt elements after runtime update, got %d", len(both))
	}
	// AST elements come first.
	if both[len(both)-1].ID != "rt" {
		t.Errorf("expected runtime element last, got %s", both[len(both)-1].ID)
	}

	reg.SetRuntime(nil)
	if got := reg.ByType("State"); len(got) != 0 {
		t.Errorf("expected runtime index cleared, got %d elements", len(got))
	}
}

func TestTypeRegistryMultipleTypes(t *testing.T) {
	reg := NewTypeRegistry()
	reg.RegisterAST(parseTree(t))

	if got := reg.ByType("Assign"); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("expected s1 under Assign, got %+v", got)
	}
	if got := reg.ByType("Call"); len(got) != 1 || got[0].ID != "s2" {
		t.Errorf("expected s2 under Call, got %+v", got)
	}
	if got := reg.ByType("Missing"); len(got) != 0 {
		t.Errorf("expected no elements for unknown type, got %d", len(got))
	}
}
