package tenantctx

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kavenhq/kaven/internal/logging"
)

// ErrNotBound means the tenant context could not be set or confirmed on the
// connection. Callers must fail the request; proceeding would run queries
// unscoped on a pooled connection.
var ErrNotBound = errors.New("tenant context not bound")

// WithTenantContext pins one physical connection from the pool, binds the
// tenant and user identifiers into that connection's session before fn runs
// any query, and clears them before the connection is released.
//
// Binding is never carried over between requests: pooled connections are
// reused across tenants, so every call re-binds from scratch and reads the
// setting back to confirm it took effect. Any failure along the way aborts
// fn entirely.
func WithTenantContext(ctx context.Context, db *gorm.DB, tenantID, userID string, fn func(tx *gorm.DB) error) error {
	if tenantID == "" || userID == "" {
		return fmt.Errorf("%w: missing identity", ErrNotBound)
	}

	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := bind(conn, tenantID, userID); err != nil {
			return err
		}
		defer unbind(ctx, conn)
		return fn(conn)
	})
}

func bind(conn *gorm.DB, tenantID, userID string) error {
	err := conn.Exec(
		"SELECT set_config('app.current_tenant_id', ?, false), set_config('app.current_user_id', ?, false)",
		tenantID, userID,
	).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotBound, err)
	}

	// Read the setting back on the same connection. A silently ignored SET
	// would otherwise leave the request running under whatever tenant last
	// used this connection.
	var got string
	err = conn.Raw("SELECT current_setting('app.current_tenant_id', true)").Scan(&got).Error
	if err != nil || got != tenantID {
		return fmt.Errorf("%w: confirmation failed", ErrNotBound)
	}
	return nil
}

func unbind(ctx context.Context, conn *gorm.DB) {
	err := conn.Exec(
		"SELECT set_config('app.current_tenant_id', '', false), set_config('app.current_user_id', '', false)",
	).Error
	if err != nil {
		// The connection goes back to the pool with stale settings. Safe only
		// because every request re-binds, but worth surfacing.
		logging.FromContext(ctx).Error("tenant_context_clear_failed", "error", err)
	}
}
