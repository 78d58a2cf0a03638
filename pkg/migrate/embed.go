package migrate

import "embed"

// Embedded carries the SQL migrations inside the binary so deployed services
// can migrate without the source tree.
//
//go:embed migrations/*.sql
var Embedded embed.FS

// EmbeddedDir is the path of the migrations inside Embedded.
const EmbeddedDir = "migrations"
