package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/billboard/internal/model"
)

// orderLockKey はorder採番を直列化するトランザクションスコープのアドバイザリロックのキー。
const orderLockKey int64 = 0x62696c6c

const messageColumns = `id, text, status, display_order, reason, created_at, shown_at`

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create は現在の最大order+1を採番し、pendingのメッセージを作成する。
// 採番はアドバイザリロックを保持したトランザクション内で行うため、
// 同時投稿があってもorderは重複しない。
func (r *PostgresMessageRepo) Create(ctx context.Context, text string, createdAt time.Time) (*model.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("トランザクションの開始に失敗しました", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderLockKey); err != nil {
		return nil, storeError("order採番ロックの取得に失敗しました", err)
	}

	var order int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(display_order), 0) + 1 FROM messages`,
	).Scan(&order); err != nil {
		return nil, storeError("最大orderの取得に失敗しました", err)
	}

	msg := &model.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Status:    model.StatusPending,
		Order:     order,
		CreatedAt: createdAt,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, text, status, display_order, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		msg.ID, msg.Text, string(msg.Status), msg.Order, msg.CreatedAt,
	); err != nil {
		return nil, storeError("メッセージの作成に失敗しました", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("トランザクションのコミットに失敗しました", err)
	}

	return msg, nil
}

// UpdateStatus はステータスを無条件に上書きする。
// 本文と理由はnilでない場合のみ更新し、shown_atは最初の値を保持する。
func (r *PostgresMessageRepo) UpdateStatus(ctx context.Context, id string, update model.StatusUpdate, shownAt *time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		// UUID形式でないIDはレコードとして存在し得ない
		return fmt.Errorf("メッセージが存在しません: %s: %w", id, model.ErrNotFound)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE messages
		 SET status = $2,
		     text = COALESCE($3, text),
		     reason = COALESCE($4, reason),
		     shown_at = COALESCE(shown_at, $5),
		     updated_at = now()
		 WHERE id = $1`,
		id, string(update.Status), update.CorrectedText, update.Reason, shownAt,
	)
	if err != nil {
		return storeError("ステータスの更新に失敗しました", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeError("更新件数の取得に失敗しました", err)
	}
	if affected == 0 {
		return fmt.Errorf("メッセージが存在しません: %s: %w", id, model.ErrNotFound)
	}

	return nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`,
		id,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("メッセージの取得に失敗しました", err)
	}

	return &msg, nil
}

// ListByStatus は指定ステータスのメッセージを表示順で返す。
func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, status model.Status) ([]model.Message, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = $1
		 ORDER BY display_order ASC, created_at ASC, id ASC`,
		string(status),
	)
}

// ListAll は全メッセージを表示順で返す。
func (r *PostgresMessageRepo) ListAll(ctx context.Context) ([]model.Message, error) {
	return r.list(ctx,
		`SELECT `+messageColumns+` FROM messages
		 ORDER BY display_order ASC, created_at ASC, id ASC`,
	)
}

// DeleteTerminalBefore はcutoffより前に作成されたrejected/shownのメッセージを削除する。
// 最後に表示されたメッセージは削除しない。
func (r *PostgresMessageRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE created_at < $1
		   AND status IN ('rejected', 'shown')
		   AND id NOT IN (
		       SELECT id FROM messages
		       WHERE status = 'shown'
		       ORDER BY shown_at DESC NULLS LAST
		       LIMIT 1
		   )`,
		cutoff,
	)
	if err != nil {
		return 0, storeError("終端メッセージの削除に失敗しました", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, storeError("削除件数の取得に失敗しました", err)
	}

	return deleted, nil
}

func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("メッセージ一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storeError("メッセージのスキャンに失敗しました", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("メッセージ一覧の読み取りに失敗しました", err)
	}

	return messages, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (model.Message, error) {
	var msg model.Message
	var status string
	var reason sql.NullString
	var shownAt sql.NullTime

	if err := s.Scan(
		&msg.ID, &msg.Text, &status, &msg.Order, &reason, &msg.CreatedAt, &shownAt,
	); err != nil {
		return model.Message{}, err
	}

	msg.Status = model.Status(status)
	msg.Reason = nullStringValue(reason)
	if shownAt.Valid {
		t := shownAt.Time
		msg.ShownAt = &t
	}

	return msg, nil
}

// nullStringValue はsql.NullStringから文字列を取り出す。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// storeError はドライバのエラーをmodel.ErrStoreUnavailableに分類してラップする。
func storeError(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, model.ErrStoreUnavailable, err)
}
