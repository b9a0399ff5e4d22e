// Package migration runs the code that accompanies some schema migrations,
// such as backfilling the rows of a conversion session table after a column
// is added. Schema changes live in the numbered SQL files next to it.
package migration

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/model-derivative-backend/pkg/db/migration/convert"
	"github.com/instill-ai/model-derivative-backend/pkg/db/migration/convert/convert000002"
)

// SchemaVersion is the schema version the services expect.
const SchemaVersion uint = 2

// Step is the code run once the schema reaches a version.
type Step interface {
	Migrate() error
}

// steps maps a schema version to the code accompanying it.
var steps = map[uint]func(convert.Basic) Step{
	2: func(b convert.Basic) Step { return &convert000002.FailUnscheduledSessions{Basic: b} },
}

// Runner runs the code steps of the schema versions it is handed.
type Runner struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Run executes the step registered for version, if any. It is called once,
// right after the schema is moved to version. Steps must not change the
// schema themselves.
func (r *Runner) Run(version uint) error {
	newStep, ok := steps[version]
	if !ok {
		return nil
	}

	r.Logger.Info("Running code migration", zap.Uint("version", version))
	if err := newStep(convert.Basic{DB: r.DB, Logger: r.Logger}).Migrate(); err != nil {
		return fmt.Errorf("code migration %d: %w", version, err)
	}
	return nil
}
