package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvCipherRoundTrip(t *testing.T) {
	c, err := NewEnvCipher("local-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.SealEnv(map[string]string{"DATABASE_URL": "postgres://x", "PORT": "3000"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("postgres://x")) {
		t.Fatalf("sealed payload leaks plaintext")
	}
	env, err := c.OpenEnv(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if env["DATABASE_URL"] != "postgres://x" || env["PORT"] != "3000" {
		t.Fatalf("unexpected env %v", env)
	}
}

func TestEnvCipherRejectsForeignKey(t *testing.T) {
	a, _ := NewEnvCipher("a")
	b, _ := NewEnvCipher("b")
	sealed, err := a.SealEnv(map[string]string{"K": "V"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.OpenEnv(sealed); err == nil {
		t.Fatalf("expected decrypt failure with a different key")
	}
}

func TestNewEnvCipherRequiresKey(t *testing.T) {
	if _, err := NewEnvCipher(""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
