package vault

import (
	"context"
	"errors"
	"testing"
)

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("vault:secret/flexcache/prod#db_password")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	want := Ref{Mount: "secret", Path: "flexcache/prod", Key: "db_password"}
	if ref != want {
		t.Fatalf("ParseRef = %+v, want %+v", ref, want)
	}
	if ref.String() != "vault:secret/flexcache/prod#db_password" {
		t.Fatalf("String = %q", ref.String())
	}

	for _, bad := range []string{
		"secret/flexcache#k",
		"vault:secret/flexcache",
		"vault:secret/flexcache#",
		"vault:secret#k",
		"vault:/path#k",
	} {
		if _, err := ParseRef(bad); !errors.Is(err, ErrBadRef) {
			t.Errorf("ParseRef(%q) err = %v", bad, err)
		}
	}
}

func TestNeedsVault(t *testing.T) {
	plain, ref := "pw", "vault:secret/x#k"
	if NeedsVault(&plain, nil) {
		t.Error("plain values need no vault")
	}
	if !NeedsVault(&plain, &ref) {
		t.Error("reference not detected")
	}
}

func TestResolveAllSkipsPlain(t *testing.T) {
	c := &Client{cache: map[Ref]cached{}}
	plain := "pw"
	if err := c.ResolveAll(context.Background(), &plain, nil); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if plain != "pw" {
		t.Fatalf("plain value rewritten: %q", plain)
	}
}
