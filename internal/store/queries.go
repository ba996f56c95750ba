package store

const (
	InsertEntity = `
		INSERT INTO entities (kind, key, parent, status, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`

	GetEntity = `
		SELECT version, data FROM entities WHERE kind = ? AND key = ?
	`

	UpdateEntity = `
		UPDATE entities SET parent = ?, status = ?, version = version + 1, data = ?, updated_at = ?
		WHERE kind = ? AND key = ?
	`

	DeleteEntity = `DELETE FROM entities WHERE kind = ? AND key = ?`

	ExistsEntity = `SELECT COUNT(*) FROM entities WHERE kind = ? AND key = ?`

	ListEntities = `
		SELECT key, version, data FROM entities WHERE kind = ? ORDER BY key ASC
	`

	ListEntitiesByParent = `
		SELECT key, version, data FROM entities WHERE kind = ? AND parent = ? ORDER BY key ASC
	`

	ListEntitiesByStatus = `
		SELECT key, version, data FROM entities WHERE kind = ? AND status = ? ORDER BY key ASC
	`

	NextSequence = `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`
)

const (
	InsertArchivedOrder = `
		INSERT INTO archived_orders (order_key, status, dir, item_count, job_count, data, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	ListArchivedOrders = `
		SELECT id, order_key, status, dir, item_count, job_count, archived_at
		FROM archived_orders ORDER BY archived_at DESC LIMIT ? OFFSET ?
	`

	CountArchivedOrders = `SELECT COUNT(*) FROM archived_orders`
)
