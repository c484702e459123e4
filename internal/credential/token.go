package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ResetTokenTTL はパスワードリセットトークンの有効期間。
const ResetTokenTTL = time.Hour

// resetTokenBytes はリセットトークンの乱数バイト数。
const resetTokenBytes = 32

// newResetToken は高エントロピーのリセットトークンを生成する。
// 戻り値は利用者に渡す生の値と、保存用のハッシュ。
func newResetToken() (raw, hash string, err error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("乱数の生成に失敗: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, hashResetToken(raw), nil
}

// hashResetToken はリセットトークンの一方向ハッシュを返す。
func hashResetToken(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// resetTokenMatches は保存済みのハッシュと生のトークンを定数時間で比較し、
// 有効期限内かどうかも確認する。
func resetTokenMatches(u *User, raw string, now time.Time) bool {
	if u.resetTokenHash == nil || u.resetExpiresAt == nil || raw == "" {
		return false
	}
	got := hashResetToken(raw)
	if subtle.ConstantTimeCompare([]byte(got), []byte(*u.resetTokenHash)) != 1 {
		return false
	}
	return now.Before(*u.resetExpiresAt)
}
