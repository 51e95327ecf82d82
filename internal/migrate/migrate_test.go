package migrate

import (
	"strings"
	"testing"
)

func TestFiles_embedded_in_order(t *testing.T) {
	names, err := Files()
	if err != nil {
		t.Fatalf("Files error: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("len(Files()) = %d, want at least 2", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("migrations out of order: %q before %q", names[i-1], names[i])
		}
	}
}

func TestMigrations_have_goose_annotations(t *testing.T) {
	names, err := Files()
	if err != nil {
		t.Fatalf("Files error: %v", err)
	}
	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error: %v", name, err)
		}
		if !strings.Contains(string(b), "-- +goose Up") || !strings.Contains(string(b), "-- +goose Down") {
			t.Errorf("%s is missing goose Up/Down annotations", name)
		}
	}
}
