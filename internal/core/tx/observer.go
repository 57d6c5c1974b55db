package tx

import "context"

// Observer is notified about transactions the manager begins itself.
// Participating and empty transactions are not reported.
type Observer interface {
	TransactionBegun(ctx context.Context, def Definition)
	TransactionCompleted(ctx context.Context, status *Status, outcome CompletionStatus)
}

type noopObserver struct{}

func (noopObserver) TransactionBegun(context.Context, Definition) {}

func (noopObserver) TransactionCompleted(context.Context, *Status, CompletionStatus) {}
