package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// fkViolationCode is the PostgreSQL error code for foreign key violations.
const fkViolationCode = "23503"

// isForeignKeyViolation reports whether err is a referential-integrity
// failure, i.e. the event references a chat the engine has not seen yet.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == fkViolationCode
}

// nullIfEmpty returns nil for empty strings (for nullable columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// chatCondition returns the SQL condition selecting the chat scope,
// appending a bind argument when the chat id is set. An empty chatID
// selects world-level events (chat_id IS NULL).
func chatCondition(chatID string, args *[]any) string {
	if chatID == "" {
		return "chat_id IS NULL"
	}
	*args = append(*args, chatID)
	return fmt.Sprintf("chat_id = $%d", len(*args))
}
