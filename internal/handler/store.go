package handler

import "context"

// Store is the Handler Store Gateway contract. Implementations must
// never update code in place: Upsert either returns an existing id or
// inserts a brand new row.
type Store interface {
	// Upsert computes the content hash of code and either returns the id
	// of an existing handler with that hash (created=false) or inserts a
	// new Enabled row (created=true).
	Upsert(ctx context.Context, ownerID int32, code string) (id int64, created bool, err error)
	// ListEnabled returns the ids of every currently Enabled handler.
	ListEnabled(ctx context.Context) ([]int64, error)
	// GetCode returns the source code for id, or ErrNotFound.
	GetCode(ctx context.Context, id int64) (string, error)
	// SetStatus applies a status transition, validated by ValidateTransition
	// unless force is true (used only by the admin reset path).
	SetStatus(ctx context.Context, id int64, status Status, force bool) error
}
