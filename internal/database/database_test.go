package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://u:p@localhost:5432/apex?sslmode=disable", DialectPostgres},
		{"postgresql://localhost/apex", DialectPostgres},
		{"host=localhost port=5432 user=u dbname=apex", DialectPostgres},
		{"sqlite://telemetry.db", DialectSQLite},
		{"telemetry.db", DialectSQLite},
		{"/var/lib/apex/telemetry.db", DialectSQLite},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Dialect(tt.url), tt.url)
	}
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "a.db", sqlitePath("sqlite://a.db"))
	assert.Equal(t, "a.db", sqlitePath("sqlite3://a.db"))
	assert.Equal(t, "a.db", sqlitePath("a.db"))
}

func TestOpenSQLite(t *testing.T) {
	db, err := Open(Config{URL: "sqlite://" + filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.Exec("CREATE TABLE scratch (id INTEGER)").Error)
	require.NoError(t, db.Exec("INSERT INTO scratch (id) VALUES (1)").Error)

	var count int64
	require.NoError(t, db.Table("scratch").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestMigrationsRequirePostgres(t *testing.T) {
	_, err := NewMigrationRunner("telemetry.db")
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
	assert.NoError(t, Migrate("telemetry.db"), "sqlite is left to AutoMigrate")
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch filepath.Ext(e.Name()[:len(e.Name())-len(".sql")]) {
		case ".up":
			ups++
		case ".down":
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs)
}
