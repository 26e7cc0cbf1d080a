package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/storage"
)

func studentsSchema() record.Schema {
	return record.Schema{Columns: []record.Column{
		{Name: "student_id", Type: record.TypeInt32, TableIndex: 0},
		{Name: "name", Type: record.TypeFixedChar, Length: 64, TableIndex: 1},
		{Name: "age", Type: record.TypeInt32, TableIndex: 2},
		{Name: "gpa", Type: record.TypeFloat32, TableIndex: 3},
	}}
}

func coursesSchema() record.Schema {
	return record.Schema{Columns: []record.Column{
		{Name: "course_id", Type: record.TypeInt32, TableIndex: 0},
		{Name: "course_name", Type: record.TypeFixedChar, Length: 128, TableIndex: 1},
		{Name: "credits", Type: record.TypeInt32, TableIndex: 2},
	}}
}

func openPool(t *testing.T, path string) *bufferpool.Pool {
	t.Helper()
	log := logging.Get()
	met := metrics.Noop()
	disk, err := storage.OpenDiskManager(path, log, met)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })
	return bufferpool.New(disk, 64, bufferpool.KindClock, log, met)
}

// TestCatalog_S5_PersistenceAcrossReopen mirrors scenario S5.
func TestCatalog_S5_PersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	pool := openPool(t, path)

	cat, err := Open(pool, nil, nil, true)
	require.NoError(t, err)

	_, err = cat.CreateTable("students", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateTable("courses", coursesSchema())
	require.NoError(t, err)

	_, err = cat.CreateIndex("students", "idx_student_id", []int{0})
	require.NoError(t, err)
	_, err = cat.CreateIndex("students", "idx_student_name", []int{1})
	require.NoError(t, err)
	_, err = cat.CreateIndex("students", "idx_age_gpa", []int{2, 3})
	require.NoError(t, err)
	_, err = cat.CreateIndex("courses", "idx_course_id", []int{0})
	require.NoError(t, err)

	require.NoError(t, cat.FlushCatalogMetaPage())
	require.NoError(t, pool.FlushAll())

	// Reopen with init = false: everything must still be there.
	cat2, err := Open(pool, nil, nil, false)
	require.NoError(t, err)

	for _, name := range []string{"students", "courses"} {
		_, err := cat2.GetTableByName(name)
		require.NoError(t, err, name)
	}
	for _, idx := range []string{"idx_student_id", "idx_student_name", "idx_age_gpa"} {
		_, err := cat2.GetIndex("students", idx)
		require.NoError(t, err, idx)
	}
	_, err = cat2.GetIndex("courses", "idx_course_id")
	require.NoError(t, err)

	var tables []*TableInfo
	tables = cat2.GetTables(tables)
	require.Len(t, tables, 2)

	require.NoError(t, cat2.DropIndex("students", "idx_student_name"))
	require.NoError(t, cat2.DropTable("courses"))

	_, err = cat2.GetIndex("students", "idx_student_name")
	require.ErrorIs(t, err, dberr.ErrIndexNotFound)
	_, err = cat2.GetTableByName("courses")
	require.ErrorIs(t, err, dberr.ErrTableNotExist)

	// Surviving entries are unaffected.
	_, err = cat2.GetIndex("students", "idx_student_id")
	require.NoError(t, err)
}

func TestCatalog_CreateTable_DuplicateNameRejected(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "data.db"))
	cat, err := Open(pool, nil, nil, true)
	require.NoError(t, err)

	_, err = cat.CreateTable("students", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateTable("students", studentsSchema())
	require.ErrorIs(t, err, dberr.ErrTableAlreadyExist)
}

func TestCatalog_CreateIndex_UnknownTableOrColumn(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "data.db"))
	cat, err := Open(pool, nil, nil, true)
	require.NoError(t, err)

	_, err = cat.CreateIndex("nope", "idx", []int{0})
	require.ErrorIs(t, err, dberr.ErrTableNotExist)

	_, err = cat.CreateTable("students", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateIndex("students", "idx_bad", []int{99})
	require.ErrorIs(t, err, dberr.ErrColumnNameNotExist)

	_, err = cat.CreateIndex("students", "idx_student_id", []int{0})
	require.NoError(t, err)
	_, err = cat.CreateIndex("students", "idx_student_id", []int{0})
	require.ErrorIs(t, err, dberr.ErrIndexAlreadyExist)
}

func TestCatalog_GetTables_ReusesBackingArrayWithoutStaleEntries(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "data.db"))
	cat, err := Open(pool, nil, nil, true)
	require.NoError(t, err)

	_, err = cat.CreateTable("a", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateTable("b", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateTable("c", studentsSchema())
	require.NoError(t, err)

	buf := make([]*TableInfo, 5)
	out := cat.GetTables(buf)
	require.Len(t, out, 3)

	require.NoError(t, cat.DropTable("c"))
	out = cat.GetTables(out)
	require.Len(t, out, 2, "shrinking the registry must not leave stale trailing entries")
}

func TestCatalog_DropTable_CascadesIndexes(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "data.db"))
	cat, err := Open(pool, nil, nil, true)
	require.NoError(t, err)

	_, err = cat.CreateTable("students", studentsSchema())
	require.NoError(t, err)
	_, err = cat.CreateIndex("students", "idx_student_id", []int{0})
	require.NoError(t, err)

	require.NoError(t, cat.DropTable("students"))

	indexes, err := cat.GetTableIndexes("students")
	require.ErrorIs(t, err, dberr.ErrTableNotExist)
	require.Nil(t, indexes)
}
