package database

// Message queries
const (
	// Position args: pass NULL to append on insert and keep the stored
	// position on update.
	UpsertMessageQuery = `
		INSERT INTO messages (
			local_id, server_id, correlation_id, conversation_id, sender_id,
			body, status, position, error, created_at, updated_at, read_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			COALESCE(?, (SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = ?)),
			?, ?, ?, ?
		)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			correlation_id = excluded.correlation_id,
			sender_id = excluded.sender_id,
			body = excluded.body,
			status = excluded.status,
			position = CASE WHEN ? IS NULL THEN messages.position ELSE excluded.position END,
			error = excluded.error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			read_at = excluded.read_at
	`

	SelectMessagesByConversationQuery = `
		SELECT local_id, server_id, correlation_id, conversation_id, sender_id,
		       body, status, error, created_at, updated_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position ASC, created_at ASC, local_id ASC
	`

	SelectMessageByLocalIDQuery = `
		SELECT local_id, server_id, correlation_id, conversation_id, sender_id,
		       body, status, error, created_at, updated_at, read_at
		FROM messages
		WHERE local_id = ?
	`

	DeleteMessageQuery = `DELETE FROM messages WHERE local_id = ?`

	CountStalePendingQuery = `
		SELECT COUNT(*) FROM messages
		WHERE status = 'pending' AND updated_at < ?
	`

	MarkInterruptedSendsQuery = `
		UPDATE messages
		SET status = 'failed', error = ?
		WHERE status IN ('pending', 'composing') AND (server_id IS NULL OR server_id = '')
	`

	DeleteOldMessagesQuery = `
		DELETE FROM messages
		WHERE created_at < ? AND status NOT IN ('pending', 'composing')
	`
)

// Order snapshot queries
const (
	UpsertOrderSnapshotQuery = `
		INSERT INTO order_snapshots (order_id, snapshot) VALUES (?, ?)
		ON CONFLICT(order_id) DO UPDATE SET snapshot = excluded.snapshot
	`

	SelectOrderSnapshotQuery = `SELECT snapshot FROM order_snapshots WHERE order_id = ?`

	DeleteOldOrderSnapshotsQuery = `
		DELETE FROM order_snapshots
		WHERE updated_at < datetime('now', '-' || ? || ' days')
	`
)
