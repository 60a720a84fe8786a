// Package model は呼び出し元に返すエラーモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, rate_limit, origin, system
	Action   string // 呼び出し元向け対処方法
	// OriginStatus はオリジンが返した（または代替の）ステータスコード。ORIGIN_ERRORのみ設定する。
	OriginStatus int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidUsername    = "INVALID_USERNAME"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeOriginError        = "ORIGIN_ERROR"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeSessionUnavailable = "SESSION_UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidUsernameError は無効なユーザー名エラーを生成する。
func NewInvalidUsernameError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  fmt.Sprintf("無効なユーザー名です: %s", reason),
		Category: "validation",
		Action:   "空白や制御文字を含まない1〜64文字のユーザー名を指定してください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError(retryAfterSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "rate_limit",
		Action:   fmt.Sprintf("%d秒後に再度お試しください。", retryAfterSeconds),
	}
}

// NewOriginError はオリジン異常エラーを生成する。
func NewOriginError(status int) *APIError {
	return &APIError{
		Code:         ErrCodeOriginError,
		Message:      fmt.Sprintf("上流サービスが予期しない応答を返しました: %d", status),
		Category:     "origin",
		Action:       "しばらく待ってから再度お試しください。",
		OriginStatus: status,
	}
}

// NewStoreUnavailableError はストア不通エラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "キャッシュストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSessionUnavailableError は上流セッションを確立できない場合のエラーを生成する。
func NewSessionUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionUnavailable,
		Message:  "上流サービスへのログインに失敗しました。",
		Category: "system",
		Action:   "サービス管理者に連絡してください。",
	}
}

// NewTimeoutError はリクエストの期限内に処理が終わらなかった場合のエラーを生成する。
func NewTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeTimeout,
		Message:  "処理が時間内に完了しませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
