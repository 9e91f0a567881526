package domain

import "context"

// Transactor runs fn inside a single storage transaction. Repository calls
// made with the context passed to fn join that transaction; fn returning an
// error rolls everything back. Nested InTx calls join the outer transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
