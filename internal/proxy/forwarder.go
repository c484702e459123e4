package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// DialTimeout は転送先への接続タイムアウト。
const DialTimeout = 3 * time.Second

// maxResponseBytes は転送先レスポンスとして読み込む上限。超えた場合は途中まで返さずエラーにする。
const maxResponseBytes = 32 << 20

// Observer は転送結果を記録する。
type Observer interface {
	ObserveUpstream(service, outcome string, d time.Duration)
}

// Request は転送するリクエスト。
type Request struct {
	// Service は転送先サービス名（ログとメトリクスに使う）。
	Service string
	Method  string
	// URL は転送先の完全なURL。
	URL string
	// Header は転送するヘッダー。Content-Type、Authorization、X-User-IDのみ使う。
	Header http.Header
	Body   []byte
	// CorrelationID はX-Request-Idとして付与する相関ID。
	CorrelationID string
}

// Response は転送先のレスポンス。
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// Forwarder は転送先サービスにリクエストを送る。
type Forwarder struct {
	// httpClient は接続と応答待ちにタイムアウトを持つHTTPクライアント。
	httpClient *http.Client
	observer   Observer
	logger     logrus.FieldLogger
	// maxResponse は読み込むレスポンスボディの上限バイト数。
	maxResponse int64
}

// NewForwarder は新しいForwarderを生成する。timeoutは応答ヘッダー待ちと全体の上限に使う。
func NewForwarder(timeout time.Duration, observer Observer, logger logrus.FieldLogger) *Forwarder {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Forwarder{
		httpClient:  &http.Client{Transport: transport, Timeout: timeout},
		observer:    observer,
		logger:      logger,
		maxResponse: maxResponseBytes,
	}
}

// Forward はリクエストを転送し、ステータスとボディを返す。
// 転送先が2xx以外を返した場合もエラーにはせずそのまま返す。
// 接続できない場合はUpstreamUnreachable、時間内に応答が無い場合はUpstreamTimeoutとなる。
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	log := f.logger.WithFields(logrus.Fields{
		"request_id": req.CorrelationID,
		"service":    req.Service,
		"method":     req.Method,
		"url":        req.URL,
	})

	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, apperr.Upstream(apperr.CodeUpstreamUnreachable, fmt.Errorf("プロキシリクエストの作成に失敗: %w", err))
	}

	contentType := req.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Set("Content-Type", contentType)
	if v := req.Header.Get("Authorization"); v != "" {
		httpReq.Header.Set("Authorization", v)
	}
	if v := req.Header.Get("X-User-ID"); v != "" {
		httpReq.Header.Set("X-User-ID", v)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set(middleware.HeaderRequestID, req.CorrelationID)
	}

	log.Debug("転送します")
	start := time.Now()
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		code := classify(err)
		f.observe(req.Service, outcomeOf(code), start)
		log.WithError(err).Warn("転送先との通信に失敗")
		return nil, apperr.Upstream(code, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponse+1))
	if err != nil {
		code := classify(err)
		f.observe(req.Service, outcomeOf(code), start)
		log.WithError(err).Warn("転送先レスポンスの読み取りに失敗")
		return nil, apperr.Upstream(code, err)
	}
	if int64(len(data)) > f.maxResponse {
		f.observe(req.Service, "too_large", start)
		log.WithField("limit", f.maxResponse).Warn("転送先レスポンスが上限を超えました")
		return nil, apperr.Upstream(apperr.CodeUpstreamTooLarge,
			fmt.Errorf("転送先レスポンスが上限 %d バイトを超えました", f.maxResponse))
	}
	f.observe(req.Service, strconv.Itoa(resp.StatusCode), start)
	log.WithField("status", resp.StatusCode).Debug("転送先が応答しました")

	respType := resp.Header.Get("Content-Type")
	if respType == "" {
		respType = "application/json"
	}
	return &Response{Status: resp.StatusCode, Body: data, ContentType: respType}, nil
}

// observe は転送結果をObserverに渡す。
func (f *Forwarder) observe(service, outcome string, start time.Time) {
	if f.observer != nil {
		f.observer.ObserveUpstream(service, outcome, time.Since(start))
	}
}

// classify は通信エラーをタイムアウトと接続失敗に分類する。
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.CodeUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.CodeUpstreamTimeout
	}
	return apperr.CodeUpstreamUnreachable
}

// outcomeOf はメトリクス用の結果ラベルを返す。
func outcomeOf(code string) string {
	if code == apperr.CodeUpstreamTimeout {
		return "timeout"
	}
	return "unreachable"
}
