package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSchema_DeclaresIntegrityKeys(t *testing.T) {
	for _, want := range []string{
		"ON events (fingerprint) WHERE NOT retracted",
		"UNIQUE (as_of, preset, revision)",
		"UNIQUE (event_id, signpost_code)",
		"CREATE TABLE IF NOT EXISTS changelog",
		"CREATE TABLE IF NOT EXISTS link_rejections",
	} {
		if !strings.Contains(schemaSQL, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(dup) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) || isUniqueViolation(nil) {
		t.Error("plain errors are not unique violations")
	}
}

func TestNullableString(t *testing.T) {
	if nullableString("") != nil {
		t.Error("empty string should map to NULL")
	}
	if nullableString("x") != "x" {
		t.Error("non-empty string should pass through")
	}
}
