package passphrase

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST", "correct horse")
	src := NewSource("PASSPHRASE_TEST", "")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "correct horse" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("PASSPHRASE_TEST", "changed")
	if again, _ := src.Get(); again != "correct horse" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST", "  ")
	if _, err := NewSource("PASSPHRASE_TEST", "").Get(); err == nil {
		t.Fatal("expected error for blank passphrase")
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	src := NewSource("PASSPHRASE_TEST_UNSET", "")
	src.stdin = f
	if _, err := src.Get(); err == nil {
		t.Fatal("expected error when no terminal is attached")
	}
}

func TestConfirmationUsesEnvironmentAsIs(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST", "s3cret")
	got, err := NewSource("PASSPHRASE_TEST", "").WithConfirmation().Get()
	if err != nil || got != "s3cret" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
}
