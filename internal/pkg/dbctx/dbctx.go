package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries what a repository call needs to reach the database: the
// caller's context plus, when the call must join an open transaction, that
// transaction's handle. A nil Tx tells the repository to run the call on
// its own connection. Stage commits rely on this to land artifact writes,
// the checkpoint and the step transition atomically through repositories
// that are otherwise transaction-unaware.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
