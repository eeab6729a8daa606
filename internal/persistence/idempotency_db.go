package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CommandChecker is the durable tier of command de-duplication: a command is
// a duplicate once any committed event carries its name and id in its
// metadata.
type CommandChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewCommandChecker(db *sql.DB) *CommandChecker {
	return &CommandChecker{db: db, timeout: 500 * time.Millisecond}
}

// Seen uses the partial expression index idx_events_command_id.
func (c *CommandChecker) Seen(ctx context.Context, command, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_store.events
		WHERE metadata ? 'command_id' AND metadata->>'command_id' = $1
		  AND metadata->>'command' = $2
		LIMIT 1
	`, commandID, command).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}
