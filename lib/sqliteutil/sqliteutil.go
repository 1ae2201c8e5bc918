package sqliteutil

import (
	"database/sql"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// opens a database given a local file path or a libsql:// URL and
// applies the embedded schema, ignoring "already exists" failures so
// reopening an existing database is a no-op
func OpenDB(schema string, path string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(path, "libsql://") ||
		strings.HasPrefix(path, "http://") ||
		strings.HasPrefix(path, "https://") {
		driver = "libsql"
	}

	database, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}

	_, err = database.Exec(schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		database.Close()
		return nil, err
	}

	return database, nil
}
