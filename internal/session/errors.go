package session

import (
	"errors"
	"fmt"
)

// ErrFatal はログインが回復不能に失敗したことを示す。
// errors.Is(err, ErrFatal) が真のエラーを受け取った呼び出し元は処理を継続せず、
// 最上位（app）がプロセスを停止する。
var ErrFatal = errors.New("session: login failed irrecoverably")

// FailureKind はログイン失敗の種別。
type FailureKind string

const (
	// FailureFlowIDMissing はログインフロー開始のリダイレクト先にフローIDが含まれなかったことを示す。
	FailureFlowIDMissing FailureKind = "flow_id_missing"
	// FailureCSRFMissing はcsrf_token で始まるクッキーが発行されなかったことを示す。
	FailureCSRFMissing FailureKind = "csrf_missing"
	// FailureLoginRejected は認証情報の送信が303 /settings 以外で応答されたことを示す。
	FailureLoginRejected FailureKind = "login_rejected"
	// FailureSessionCookieMissing はログイン完了後もセッションクッキーが得られなかったことを示す。
	FailureSessionCookieMissing FailureKind = "session_cookie_missing"
	// FailureRequest は通信エラーまたはタイムアウト。
	FailureRequest FailureKind = "request_failed"
)

// LoginError はログインプロトコルの失敗を表す。常にErrFatalとして扱われる。
type LoginError struct {
	Kind        FailureKind
	Step        string
	StatusCode  int
	BodySnippet string
	Err         error
}

// Error はerrorインターフェースを実装する。
func (e *LoginError) Error() string {
	msg := fmt.Sprintf("login %s at %s", e.Kind, e.Step)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.BodySnippet != "" {
		msg += ": " + e.BodySnippet
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は下位のエラーを返す。
func (e *LoginError) Unwrap() error {
	return e.Err
}

// Is はErrFatalとの比較で真を返す。
func (e *LoginError) Is(target error) bool {
	return target == ErrFatal
}
