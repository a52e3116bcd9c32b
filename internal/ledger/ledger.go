// Package ledger keeps a local sqlite record of tagged files and of forensic
// events accepted by the verifier.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tagged_files (
	sha256    TEXT PRIMARY KEY,
	path      TEXT NOT NULL,
	tagged_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS verified_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	enc_payload TEXT NOT NULL,
	agent_ts    INTEGER,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verified_received ON verified_events(received_at);
`

type Ledger struct {
	db *sql.DB
}

// Open 打开 (或创建) 数据库并初始化表结构
func Open(dbPath string) (*Ledger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordTagged 记录已写入标记的文件内容哈希
func (l *Ledger) RecordTagged(ctx context.Context, path, sha string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tagged_files(sha256, path, tagged_at) VALUES (?, ?, ?)",
		sha, path, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record tagged: %w", err)
	}
	return nil
}

// IsTaggedHash 内容哈希是否已被标记过
func (l *Ledger) IsTaggedHash(ctx context.Context, sha string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM tagged_files WHERE sha256 = ?", sha).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query tagged: %w", err)
	}
	return true, nil
}

// RecordVerified 只保存加密载荷与时间，不保存 token
func (l *Ledger) RecordVerified(ctx context.Context, encPayload string, agentTs int64, receivedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO verified_events(enc_payload, agent_ts, received_at) VALUES (?, ?, ?)",
		encPayload, agentTs, receivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record verified: %w", err)
	}
	return nil
}

// VerifiedBetween 返回 [from, to] 内接收的加密载荷，按接收时间排序
func (l *Ledger) VerifiedBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT enc_payload FROM verified_events WHERE received_at BETWEEN ? AND ? ORDER BY received_at, id",
		from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query verified: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var enc string
		if err := rows.Scan(&enc); err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, rows.Err()
}
