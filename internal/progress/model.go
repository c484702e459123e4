package progress

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
)

const (
	// DefaultSubcategory はサブカテゴリ未指定時の値。
	DefaultSubcategory = "default"
	// DefaultAssessmentKind は評価種別未指定時の値。
	DefaultAssessmentKind = "assessment"
)

// UserID は検証済みのユーザーID。ParseUserIDでのみ生成する。
type UserID struct {
	id string
}

// ParseUserID はユーザーIDを検証する。UUIDとして解釈できない場合は入力エラーを返す。
func ParseUserID(raw string) (UserID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return UserID{}, apperr.Validation(apperr.CodeInvalidUserID, "ユーザーIDが不正です")
	}
	return UserID{id: id.String()}, nil
}

// String は正規化されたUUID文字列を返す。
func (u UserID) String() string {
	return u.id
}

// Scope は一括削除の対象。
type Scope string

const (
	// ScopeCompletions はチャレンジ完了記録とサマリー。
	ScopeCompletions Scope = "completions"
	// ScopeAssessments は評価記録。
	ScopeAssessments Scope = "assessments"
	// ScopeAll はすべての記録。
	ScopeAll Scope = "all"
)

// CompletionRecord はチャレンジ完了の記録。追記のみで更新しない。
type CompletionRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	CompletedAt time.Time `json:"completedAt"`
}

// ProgressSummary はカテゴリごとの進捗。完了記録から再計算できる。
type ProgressSummary struct {
	UserID          string     `json:"userId"`
	Category        string     `json:"category"`
	Completed       bool       `json:"completed"`
	LastCompletedAt *time.Time `json:"completedAt"`
	Saved           bool       `json:"saved"`
	SavedAt         *time.Time `json:"savedAt"`
}

// CategorySummary は完了記録から集計したカテゴリごとの状況。
type CategorySummary struct {
	Category        string    `json:"category"`
	Completed       bool      `json:"completed"`
	LastCompletedAt time.Time `json:"completedAt"`
	CompletionCount int64     `json:"completionCount"`
}

// AssessmentRecord は評価の受検記録。
type AssessmentRecord struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Category string    `json:"category"`
	Kind     string    `json:"kind"`
	TakenAt  time.Time `json:"takenAt"`
}

// DeletedCounts は一括削除で消えた件数。
type DeletedCounts struct {
	Completions int64 `json:"completions"`
	Progress    int64 `json:"progress"`
	Assessments int64 `json:"assessments"`
}

// Stats はユーザーの進捗統計。
type Stats struct {
	TotalCompletions     int64 `json:"totalCompletions"`
	UniqueCategories     int64 `json:"uniqueCategories"`
	CompletionsLast7Days int64 `json:"completionsLast7Days"`
	TotalAssessments     int64 `json:"totalAssessments"`
}

// normalizeCategory はカテゴリ名を前後の空白除去と小文字化で正規化する。
func normalizeCategory(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
