package ident

import "testing"

func TestRelationshipIDStable(t *testing.T) {
	a := RelationshipID("src/a.go#Foo", "src/b.go#Bar", "CALLS")
	b := RelationshipID("src/a.go#Foo", "src/b.go#Bar", "CALLS")
	if a != b {
		t.Fatalf("same inputs hashed differently: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("unexpected id length %d", len(a))
	}
}

func TestRelationshipIDDistinguishesFields(t *testing.T) {
	base := RelationshipID("a", "b", "CALLS")
	if RelationshipID("a", "b", "IMPORTS") == base {
		t.Fatalf("type not part of identity")
	}
	if RelationshipID("b", "a", "CALLS") == base {
		t.Fatalf("direction not part of identity")
	}
	// field boundaries must not be ambiguous
	if RelationshipID("ab", "", "CALLS") == RelationshipID("a", "b", "CALLS") {
		t.Fatalf("field concatenation is ambiguous")
	}
}

func TestEntityID(t *testing.T) {
	id := EntityID(`src\util\db.py`, "connect")
	if id != "src/util/db.py#connect" {
		t.Fatalf("unexpected entity id %s", id)
	}
	if EntityFile(id) != "src/util/db.py" {
		t.Fatalf("unexpected file %s", EntityFile(id))
	}
	if EntityDir(id) != "src/util" {
		t.Fatalf("unexpected dir %s", EntityDir(id))
	}
	if EntityFile("no-separator") != "" {
		t.Fatalf("expected empty file for id without separator")
	}
}
