package avatar

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API はS3Storeが使うS3クライアントのメソッド。
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store はS3バケットに画像を保存する。
type S3Store struct {
	client        S3API
	bucket        string
	prefix        string
	publicBaseURL string
}

// NewS3Store は既定のAWS設定（環境変数・共有設定ファイル）からS3Storeを生成する。
// publicBaseURLが空の場合は https://<bucket>.s3.amazonaws.com を使う。
func NewS3Store(ctx context.Context, bucket, prefix, publicBaseURL string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("AWS設定の読み込みに失敗: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, prefix, publicBaseURL), nil
}

// NewS3StoreWithClient は指定したクライアントでS3Storeを生成する。
func NewS3StoreWithClient(client S3API, bucket, prefix, publicBaseURL string) *S3Store {
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// Save は画像をアップロードし、公開URLを返す。
func (s *S3Store) Save(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	name, err := objectName(filename, contentType)
	if err != nil {
		return "", err
	}
	key := s.prefix + name
	if contentType == "" {
		contentType = allowedExt[strings.ToLower(name[strings.LastIndex(name, "."):])]
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("S3へのアップロードに失敗: %w", err)
	}
	return s.publicBaseURL + "/" + key, nil
}

// Delete は公開URLに対応するオブジェクトを削除する。このストアのURL以外は無視する。
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key, ok := strings.CutPrefix(ref, s.publicBaseURL+"/")
	if !ok || key == "" {
		return nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("S3オブジェクトの削除に失敗: %w", err)
	}
	return nil
}
