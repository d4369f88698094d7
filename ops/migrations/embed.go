// Package migrations embeds the SQL schema and seed files so binaries can
// migrate without a checkout.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// SQL returns the schema migrations.
func SQL() fs.FS {
	sub, _ := fs.Sub(sqlFiles, "sql")
	return sub
}

// Seeds returns the seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}
