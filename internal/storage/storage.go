// Package storage はSQLiteデータベースへの接続を提供する。
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// defaultPragmas は接続ごとに適用するPRAGMA。
var defaultPragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=foreign_keys(1)",
}

// Open はSQLiteデータベースを開き、疎通を確認する。
// DSNにPRAGMA指定がなければ既定のPRAGMAを付与する。
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// withPragmas はDSNに既定のPRAGMAを付与する。
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(defaultPragmas, "&")
}

// IsUniqueViolation はerrが一意制約違反かどうかを判定する。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		// 拡張エラーコードが無効な接続では基本コードしか得られない
		if code&0xff != sqlite3.SQLITE_CONSTRAINT {
			return false
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ToMillis は時刻をUTCのUnixミリ秒に変換する。時刻列はすべてこの形式で保存する。
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis はUnixミリ秒をUTCの時刻に変換する。
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullableMillis はNULL許容のミリ秒値を時刻ポインタに変換する。
func NullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
