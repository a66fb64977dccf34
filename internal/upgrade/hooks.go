package upgrade

// Hook registrations live in this file so the set of data migrations
// is visible in one place. None are needed yet; the first will look
// like:
//
//	func init() {
//		RegisterDataHook(2, "002_backfill_session_scopes", func(ctx context.Context, db *sql.DB) error {
//			// derive the scope column from existing session keys
//			return nil
//		})
//	}
