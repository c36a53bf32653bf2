// Package storetest opens throwaway migrated Record Stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/store"
)

// Open returns a migrated store in t.TempDir, closed on cleanup.
func Open(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "classbook.db"), logging.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Count returns SELECT COUNT(*) FROM table [WHERE where].
func Count(t testing.TB, s *store.Store, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	require.NoError(t, s.DB().QueryRow(q, args...).Scan(&n))
	return n
}

// SeedTime is the timestamp used by the Seed helpers.
const SeedTime = "2024-09-01T08:00:00.000000Z"

func exec(t testing.TB, s *store.Store, q string, args ...any) {
	t.Helper()
	_, err := s.DB().Exec(q, args...)
	require.NoError(t, err)
}

// SeedClass inserts a class row directly, bypassing the ledger.
func SeedClass(t testing.TB, s *store.Store, id string) {
	t.Helper()
	exec(t, s, `INSERT INTO classes (id, name, school_year, created_at, updated_at, changed_at, source_device_id)
		VALUES (?, ?, '2024/25', ?, ?, ?, 'seed')`, id, "class "+id, SeedTime, SeedTime, SeedTime)
}

func SeedStudent(t testing.TB, s *store.Store, id, classID, status string) {
	t.Helper()
	exec(t, s, `INSERT INTO students (id, class_id, first_name, last_name, status, created_at, updated_at, changed_at, source_device_id)
		VALUES (?, ?, 'First', ?, ?, ?, ?, ?, 'seed')`, id, classID, "Last "+id, status, SeedTime, SeedTime, SeedTime)
}

// SeedObservation inserts an observation whose ciphertext is not decryptable;
// use it only where text is irrelevant.
func SeedObservation(t testing.TB, s *store.Store, id, studentID string) {
	t.Helper()
	exec(t, s, `INSERT INTO observations (id, student_id, author_id, category_id, text_ciphertext, tags, created_at, updated_at, changed_at, source_device_id)
		VALUES (?, ?, 'teacher', 'category-sozial', X'00', '[]', ?, ?, ?, 'seed')`, id, studentID, SeedTime, SeedTime, SeedTime)
}

func SeedAttachment(t testing.TB, s *store.Store, id, observationID string) {
	t.Helper()
	exec(t, s, `INSERT INTO attachments (id, observation_id, filename, content_type, size, file_hash, payload, created_at)
		VALUES (?, ?, 'scan.pdf', 'application/pdf', 1, 'h', X'00', ?)`, id, observationID, SeedTime)
}
