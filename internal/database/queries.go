package database

import (
	"database/sql"
	"fmt"
	"time"
)

func (db *PgChatRepository) GetAccountByUsername(username string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, first_name, last_name, avatar, email, password_hash FROM accounts "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.Avatar,
		&user.EmailAddress,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, first_name, last_name, avatar, email FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.Avatar,
		&user.EmailAddress,
	)

	return user, err
}

// normalizePair orders two account ids so each unordered pair maps to
// exactly one conversation row.
func normalizePair(aId, bId int) (int, int) {
	if aId > bId {
		return bId, aId
	}
	return aId, bId
}

func (db *PgChatRepository) GetConversation(aId, bId int) (Conversation, error) {
	a, b := normalizePair(aId, bId)

	row := db.conn.QueryRow(
		"SELECT id, participant_a, participant_b, last_message_id, created_at, updated_at "+
			"FROM conversations WHERE participant_a = $1 AND participant_b = $2 LIMIT 1",
		a, b,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.LastMessageId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgChatRepository) CreateConversation(aId, bId int) (Conversation, error) {
	a, b := normalizePair(aId, bId)

	// concurrent creates for the same pair collapse to the single
	// existing row
	row := db.conn.QueryRow(
		"INSERT INTO conversations (participant_a, participant_b, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) "+
			"ON CONFLICT (participant_a, participant_b) DO UPDATE SET updated_at = conversations.updated_at "+
			"RETURNING id, participant_a, participant_b, last_message_id, created_at, updated_at",
		a, b, time.Now().UTC(),
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.LastMessageId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgChatRepository) AppendMessage(msg Message) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRow(
		"INSERT INTO messages (external_id, conversation_id, sender_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id",
		msg.ExternalId,
		msg.ConversationId,
		msg.SenderId,
		msg.Content,
		msg.CreatedAt,
	)

	if err = row.Scan(&msg.Id); err != nil {
		return Message{}, err
	}

	// the sender has implicitly read their own message
	if _, err = tx.Exec(
		"INSERT INTO message_reads (message_id, account_id) VALUES ($1, $2)",
		msg.Id,
		msg.SenderId,
	); err != nil {
		return Message{}, err
	}

	if _, err = tx.Exec(
		"UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3",
		msg.Id,
		msg.CreatedAt,
		msg.ConversationId,
	); err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) MarkConversationRead(conversationId, accountId int) (int, error) {
	res, err := db.conn.Exec(
		"INSERT INTO message_reads (message_id, account_id) "+
			"SELECT m.id, $2 FROM messages m "+
			"WHERE m.conversation_id = $1 "+
			"AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.account_id = $2)",
		conversationId,
		accountId,
	)
	if err != nil {
		return 0, err
	}

	changed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(changed), nil
}

func (db *PgChatRepository) UnreadCount(conversationId, accountId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages m "+
			"WHERE m.conversation_id = $1 "+
			"AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.account_id = $2)",
		conversationId,
		accountId,
	)

	var count int
	err := row.Scan(&count)

	return count, err
}

func (db *PgChatRepository) ListConversationSummaries(accountId int) ([]ConversationSummary, error) {
	query := `
		SELECT
				a.username,
				a.first_name,
				a.last_name,
				a.avatar,
				lm.content,
				lm.created_at,
				c.updated_at,
				(SELECT COUNT(*) FROM messages m
				 WHERE m.conversation_id = c.id
				 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.account_id = $1)
				) AS unread
		FROM conversations c
		JOIN accounts a ON a.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		LEFT JOIN messages lm ON lm.id = c.last_message_id
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.updated_at DESC;
`

	rows, err := db.conn.Query(query, accountId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(
			&s.PeerUsername,
			&s.PeerFirstName,
			&s.PeerLastName,
			&s.PeerAvatar,
			&s.LastMessageContent,
			&s.LastMessageAt,
			&s.UpdatedAt,
			&s.Unread,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

func (db *PgChatRepository) GetMessages(conversationId int, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var cursor sql.NullTime
	if !before.IsZero() {
		cursor = sql.NullTime{Time: before, Valid: true}
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.external_id, m.conversation_id, m.sender_id, a.username, m.content, m.created_at "+
			"FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.conversation_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2) "+
			"ORDER BY m.created_at DESC LIMIT $3",
		conversationId,
		cursor,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ExternalId,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.SenderUsername,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) ConnectionAccepted(aId, bId int) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM connections "+
			"WHERE status = 'accepted' "+
			"AND ((from_account_id = $1 AND to_account_id = $2) OR (from_account_id = $2 AND to_account_id = $1)))",
		aId, bId,
	)

	var accepted bool
	err := row.Scan(&accepted)

	return accepted, err
}

func (db *PgChatRepository) IsBlocked(aId, bId int) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM blocks "+
			"WHERE (account_id = $1 AND blocked_account_id = $2) OR (account_id = $2 AND blocked_account_id = $1))",
		aId, bId,
	)

	var blocked bool
	err := row.Scan(&blocked)

	return blocked, err
}
