// Package avatar はプロフィール画像の保存先を提供する。
//
// ローカルディスク（/uploads で配信）とS3のどちらかを設定で選ぶ。
// 保存した画像は参照文字列（URLまたはパス）でユーザーレコードに記録される。
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
)

// ErrUnsupportedType は画像以外のファイルがアップロードされたことを表す。入力検証エラーとして扱う。
var ErrUnsupportedType = apperr.Validation(apperr.CodeInvalidImage, "画像ファイルのみアップロードできます")

// allowedExt は受け付ける拡張子とContent-Typeの対応。
var allowedExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// objectName は衝突しない保存名を生成する。元のファイル名は拡張子のみ使う。
func objectName(filename, contentType string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExt[ext]; !ok {
		if contentType != "" && !strings.HasPrefix(contentType, "image/") {
			return "", ErrUnsupportedType
		}
		ext = extFromContentType(contentType)
		if ext == "" {
			return "", ErrUnsupportedType
		}
	}
	return uuid.NewString() + ext, nil
}

// extFromContentType はContent-Typeに対応する拡張子を返す。
func extFromContentType(contentType string) string {
	for ext, ct := range allowedExt {
		if ct == contentType && ext != ".jpeg" {
			return ext
		}
	}
	return ""
}

// DiskStore はローカルディスクに画像を保存する。
type DiskStore struct {
	// dir は保存先ディレクトリ。
	dir string
	// urlPrefix は参照文字列の接頭辞（例: "/uploads"）。
	urlPrefix string
}

// NewDiskStore は保存先ディレクトリを作成してDiskStoreを返す。
func NewDiskStore(dir, urlPrefix string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("アップロードディレクトリの作成に失敗: %w", err)
	}
	return &DiskStore{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}, nil
}

// Dir は保存先ディレクトリを返す。
func (d *DiskStore) Dir() string {
	return d.dir
}

// Save は画像をディスクに書き込み、"/uploads/<name>" 形式の参照を返す。
func (d *DiskStore) Save(_ context.Context, filename, contentType string, body io.Reader) (string, error) {
	name, err := objectName(filename, contentType)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("画像ファイルの作成に失敗: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("画像ファイルの書き込みに失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("画像ファイルのクローズに失敗: %w", err)
	}
	return d.urlPrefix + "/" + name, nil
}

// Delete は参照が指す画像を削除する。このストアが保存したもの以外は無視する。
func (d *DiskStore) Delete(_ context.Context, ref string) error {
	name, ok := strings.CutPrefix(ref, d.urlPrefix+"/")
	if !ok || name == "" || name != path.Base(name) {
		return nil
	}
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("画像ファイルの削除に失敗: %w", err)
	}
	return nil
}
