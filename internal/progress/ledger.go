package progress

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/storage"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// statsWindow は直近の完了数を数える期間。
const statsWindow = 7 * 24 * time.Hour

var errNotCompleted = apperr.NotFound(apperr.CodeNotFoundOrNotComplete, "完了済みのチャレンジが見つかりません")

// Ledger は進捗記録の読み書きを行う。
type Ledger struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// logger はロガー。
	logger logrus.FieldLogger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewLedger は新しいLedgerを生成する。
func NewLedger(db *sql.DB, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate は進捗テーブルのマイグレーションを適用する。
func (l *Ledger) Migrate(ctx context.Context) error {
	return migration.Run(ctx, l.db, migrations, "migrations", "progress", l.logger)
}

// RecordCompletion は完了記録を追加し、サマリーを更新する。
// 同じカテゴリを何度完了しても記録は重複排除しない。サマリーの更新に失敗した場合も
// 記録は残し、記録からサマリーを再計算する。
func (l *Ledger) RecordCompletion(ctx context.Context, uid UserID, category, subcategory string) (CompletionRecord, *ProgressSummary, error) {
	category = normalizeCategory(category)
	if category == "" {
		return CompletionRecord{}, nil, apperr.Validation(apperr.CodeMissingField, "categoryは必須です")
	}
	if subcategory = normalizeCategory(subcategory); subcategory == "" {
		subcategory = DefaultSubcategory
	}

	rec := CompletionRecord{
		ID:          uuid.NewString(),
		UserID:      uid.String(),
		Category:    category,
		Subcategory: subcategory,
		CompletedAt: l.now(),
	}
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO completions (id, user_id, category, subcategory, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Category, rec.Subcategory, storage.ToMillis(rec.CompletedAt)); err != nil {
		return CompletionRecord{}, nil, apperr.Persistence(fmt.Errorf("完了記録の追加に失敗: %w", err))
	}

	if err := l.upsertSummary(ctx, uid, category, rec.CompletedAt); err != nil {
		log := l.logger.WithError(err).WithFields(logrus.Fields{"user_id": uid.String(), "category": category})
		log.Warn("進捗サマリーの更新に失敗したため記録から再計算します")
		if err := l.RebuildSummaries(ctx, uid); err != nil {
			log.WithError(err).Error("進捗サマリーの再計算に失敗")
			return rec, nil, nil
		}
	}

	summary, err := l.summary(ctx, uid, category)
	if err != nil {
		l.logger.WithError(err).WithField("user_id", uid.String()).Warn("進捗サマリーの取得に失敗")
		return rec, nil, nil
	}
	return rec, summary, nil
}

// upsertSummary はカテゴリを完了済みにし、最終完了日時を進める。
func (l *Ledger) upsertSummary(ctx context.Context, uid UserID, category string, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO progress_summaries (user_id, category, completed, last_completed_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (user_id, category) DO UPDATE SET
			completed = 1,
			last_completed_at = MAX(COALESCE(last_completed_at, 0), excluded.last_completed_at)`,
		uid.String(), category, storage.ToMillis(at))
	if err != nil {
		return fmt.Errorf("進捗サマリーの更新に失敗: %w", err)
	}
	return nil
}

// summary は1カテゴリの進捗サマリーを取得する。
func (l *Ledger) summary(ctx context.Context, uid UserID, category string) (*ProgressSummary, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT user_id, category, completed, last_completed_at, saved, saved_at
		FROM progress_summaries WHERE user_id = ? AND category = ?`, uid.String(), category)
	s, err := scanSummary(row)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// scanSummary は1行をProgressSummaryに変換する。
func scanSummary(row interface{ Scan(...any) error }) (*ProgressSummary, error) {
	var (
		s                ProgressSummary
		lastAt, savedAt  sql.NullInt64
		completed, saved int
	)
	if err := row.Scan(&s.UserID, &s.Category, &completed, &lastAt, &saved, &savedAt); err != nil {
		return nil, err
	}
	s.Completed = completed == 1
	s.Saved = saved == 1
	s.LastCompletedAt = storage.NullableMillis(lastAt)
	s.SavedAt = storage.NullableMillis(savedAt)
	return &s, nil
}

// SaveCompletion は完了済みのカテゴリを保存済みにする。
// 完了記録が無いカテゴリはNotFoundOrNotCompletedとなる。
func (l *Ledger) SaveCompletion(ctx context.Context, uid UserID, category string) (*ProgressSummary, error) {
	category = normalizeCategory(category)
	if category == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "categoryは必須です")
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE progress_summaries SET saved = 1, saved_at = ?
		WHERE user_id = ? AND category = ? AND completed = 1`,
		storage.ToMillis(l.now()), uid.String(), category)
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("保存状態の更新に失敗: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	if n == 0 {
		return nil, errNotCompleted
	}

	s, err := l.summary(ctx, uid, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotCompleted
	}
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("進捗サマリーの取得に失敗: %w", err))
	}
	return s, nil
}

// RecordAssessment は評価の受検記録を追加する。
func (l *Ledger) RecordAssessment(ctx context.Context, uid UserID, category, kind string) (AssessmentRecord, error) {
	category = normalizeCategory(category)
	if category == "" {
		return AssessmentRecord{}, apperr.Validation(apperr.CodeMissingField, "categoryは必須です")
	}
	if kind = normalizeCategory(kind); kind == "" {
		kind = DefaultAssessmentKind
	}

	rec := AssessmentRecord{
		ID:       uuid.NewString(),
		UserID:   uid.String(),
		Category: category,
		Kind:     kind,
		TakenAt:  l.now(),
	}
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO assessments (id, user_id, category, kind, taken_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Category, rec.Kind, storage.ToMillis(rec.TakenAt)); err != nil {
		return AssessmentRecord{}, apperr.Persistence(fmt.Errorf("評価記録の追加に失敗: %w", err))
	}
	return rec, nil
}

// ListCompletions は完了記録を新しい順に返す。
func (l *Ledger) ListCompletions(ctx context.Context, uid UserID) ([]CompletionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, category, subcategory, occurred_at FROM completions
		WHERE user_id = ? ORDER BY occurred_at DESC, seq DESC`, uid.String())
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("完了記録の取得に失敗: %w", err))
	}
	defer rows.Close()

	out := []CompletionRecord{}
	for rows.Next() {
		var (
			rec CompletionRecord
			at  int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Category, &rec.Subcategory, &at); err != nil {
			return nil, apperr.Persistence(err)
		}
		rec.CompletedAt = storage.FromMillis(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err)
	}
	return out, nil
}

// Summarize は完了記録からカテゴリごとの状況を集計する。カテゴリ名の昇順で返す。
func (l *Ledger) Summarize(ctx context.Context, uid UserID) ([]CategorySummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT category, COUNT(*), MAX(occurred_at) FROM completions
		WHERE user_id = ? GROUP BY category ORDER BY category`, uid.String())
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("進捗の集計に失敗: %w", err))
	}
	defer rows.Close()

	out := []CategorySummary{}
	for rows.Next() {
		var (
			s    CategorySummary
			last int64
		)
		if err := rows.Scan(&s.Category, &s.CompletionCount, &last); err != nil {
			return nil, apperr.Persistence(err)
		}
		s.Completed = s.CompletionCount > 0
		s.LastCompletedAt = storage.FromMillis(last)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err)
	}
	return out, nil
}

// ListSaved は保存済みのサマリーを保存日時の新しい順に返す。
func (l *Ledger) ListSaved(ctx context.Context, uid UserID) ([]ProgressSummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT user_id, category, completed, last_completed_at, saved, saved_at
		FROM progress_summaries WHERE user_id = ? AND saved = 1
		ORDER BY saved_at DESC, category`, uid.String())
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("保存済み進捗の取得に失敗: %w", err))
	}
	defer rows.Close()

	out := []ProgressSummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, apperr.Persistence(err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err)
	}
	return out, nil
}

// ListAssessments は評価記録を新しい順に返す。
func (l *Ledger) ListAssessments(ctx context.Context, uid UserID) ([]AssessmentRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, category, kind, taken_at FROM assessments
		WHERE user_id = ? ORDER BY taken_at DESC, seq DESC`, uid.String())
	if err != nil {
		return nil, apperr.Persistence(fmt.Errorf("評価記録の取得に失敗: %w", err))
	}
	defer rows.Close()

	out := []AssessmentRecord{}
	for rows.Next() {
		var (
			rec AssessmentRecord
			at  int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Category, &rec.Kind, &at); err != nil {
			return nil, apperr.Persistence(err)
		}
		rec.TakenAt = storage.FromMillis(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err)
	}
	return out, nil
}

// Clear は呼び出したユーザーの記録を一括削除する。完了記録を消す場合は
// 導出されたサマリーも消す。削除は1つのトランザクションで行う。
func (l *Ledger) Clear(ctx context.Context, uid UserID, scope Scope) (DeletedCounts, error) {
	var counts DeletedCounts
	if scope != ScopeCompletions && scope != ScopeAssessments && scope != ScopeAll {
		return counts, apperr.Validation(apperr.CodeInvalidRequest, "削除対象が不正です")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, apperr.Persistence(fmt.Errorf("トランザクション開始に失敗: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	del := func(table string) (int64, error) {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", uid.String())
		if err != nil {
			return 0, fmt.Errorf("%sの削除に失敗: %w", table, err)
		}
		return res.RowsAffected()
	}

	if scope == ScopeCompletions || scope == ScopeAll {
		if counts.Completions, err = del("completions"); err != nil {
			return DeletedCounts{}, apperr.Persistence(err)
		}
		if counts.Progress, err = del("progress_summaries"); err != nil {
			return DeletedCounts{}, apperr.Persistence(err)
		}
	}
	if scope == ScopeAssessments || scope == ScopeAll {
		if counts.Assessments, err = del("assessments"); err != nil {
			return DeletedCounts{}, apperr.Persistence(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return DeletedCounts{}, apperr.Persistence(fmt.Errorf("コミットに失敗: %w", err))
	}
	l.logger.WithFields(logrus.Fields{
		"user_id":     uid.String(),
		"scope":       scope,
		"completions": counts.Completions,
		"progress":    counts.Progress,
		"assessments": counts.Assessments,
	}).Info("進捗記録を削除しました")
	return counts, nil
}

// Stats は進捗統計を返す。4つの集計は並行に実行する。
func (l *Ledger) Stats(ctx context.Context, uid UserID) (Stats, error) {
	var st Stats
	since := storage.ToMillis(l.now().Add(-statsWindow))

	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int64, query string, args ...any) {
		g.Go(func() error {
			if err := l.db.QueryRowContext(gctx, query, args...).Scan(dst); err != nil {
				return fmt.Errorf("統計の集計に失敗: %w", err)
			}
			return nil
		})
	}
	count(&st.TotalCompletions, "SELECT COUNT(*) FROM completions WHERE user_id = ?", uid.String())
	count(&st.UniqueCategories, "SELECT COUNT(DISTINCT category) FROM completions WHERE user_id = ?", uid.String())
	count(&st.CompletionsLast7Days, "SELECT COUNT(*) FROM completions WHERE user_id = ? AND occurred_at >= ?", uid.String(), since)
	count(&st.TotalAssessments, "SELECT COUNT(*) FROM assessments WHERE user_id = ?", uid.String())

	if err := g.Wait(); err != nil {
		return Stats{}, apperr.Persistence(err)
	}
	return st, nil
}

const (
	// pruneSummaries は完了記録の無いサマリーを削除する。
	pruneSummaries = `
		DELETE FROM progress_summaries
		WHERE NOT EXISTS (
			SELECT 1 FROM completions c
			WHERE c.user_id = progress_summaries.user_id AND c.category = progress_summaries.category
		)`
	// refreshSummaries は完了記録からcompletedと最終完了日時を再計算する。保存状態は保持する。
	refreshSummaries = `
		INSERT INTO progress_summaries (user_id, category, completed, last_completed_at)
		SELECT user_id, category, 1, MAX(occurred_at) FROM completions
		WHERE %s
		GROUP BY user_id, category
		ON CONFLICT (user_id, category) DO UPDATE SET
			completed = 1,
			last_completed_at = excluded.last_completed_at`
)

// RebuildSummaries はユーザーの進捗サマリーを完了記録から再計算する。
func (l *Ledger) RebuildSummaries(ctx context.Context, uid UserID) error {
	_, err := l.rebuild(ctx,
		pruneSummaries+" AND progress_summaries.user_id = ?",
		fmt.Sprintf(refreshSummaries, "user_id = ?"),
		uid.String())
	return err
}

// ReconcileAll は全ユーザーの進捗サマリーを完了記録から再計算し、
// 削除したサマリーの件数を返す。
func (l *Ledger) ReconcileAll(ctx context.Context) (int64, error) {
	return l.rebuild(ctx, pruneSummaries, fmt.Sprintf(refreshSummaries, "1 = 1"))
}

// rebuild はサマリーの削除と再計算を1つのトランザクションで行う。
func (l *Ledger) rebuild(ctx context.Context, prune, refresh string, args ...any) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, prune, args...)
	if err != nil {
		return 0, fmt.Errorf("不要な進捗サマリーの削除に失敗: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, refresh, args...); err != nil {
		return 0, fmt.Errorf("進捗サマリーの再計算に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗: %w", err)
	}
	return pruned, nil
}
