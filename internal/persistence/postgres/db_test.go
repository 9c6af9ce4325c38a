// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"strings"
	"testing"

	embeddedmigrations "github.com/adiadia/visual-replay/migrations"
)

func TestNewPoolInvalidURL(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(context.Background(), "://not-valid")
	if err == nil {
		t.Fatal("expected invalid URL to return an error")
	}
	if pool != nil {
		t.Fatal("expected pool to be nil on parse error")
	}
}

func TestSchemaReadyNilPool(t *testing.T) {
	t.Parallel()

	if err := SchemaReady(context.Background(), nil); err == nil {
		t.Fatal("expected nil pool to fail")
	}
}

func TestEmbeddedMigrationsCreateRequiredTables(t *testing.T) {
	t.Parallel()

	files, err := embeddedmigrations.Ordered()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	for table := range requiredSchema {
		found := false
		for _, f := range files {
			if containsFold(f.SQL, "CREATE TABLE IF NOT EXISTS "+table) {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected a migration creating %s", table)
		}
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(sub))
}
