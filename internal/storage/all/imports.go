// Package all wires every built-in storage backend into the factory.
//
// Importing it (normally as a blank import from a main package) runs the
// backends' init functions, which register their constructors with the
// storage package:
//
//   - "postgres" and "cockroach" (internal/storage/postgres)
//   - "mysql"                    (internal/storage/mysql)
//   - "sqlite"                   (internal/storage/sqlite)
//
// Binaries that only need a subset can import the individual backend
// packages instead.
package all

import (
	_ "github.com/tshmit/foodb/internal/storage/mysql"
	_ "github.com/tshmit/foodb/internal/storage/postgres"
	_ "github.com/tshmit/foodb/internal/storage/sqlite"
)
