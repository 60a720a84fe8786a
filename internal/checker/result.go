package checker

// Result は1回の空き状況チェックの結果。SuccessまたはFailureのいずれか。
// 呼び出し元は型switchですべての種別を扱う。
type Result interface {
	isResult()
}

// Success は空き状況を判定できたことを表す。
type Success struct {
	Available bool
	FromCache bool
}

// FailureKind は失敗の種別。
type FailureKind string

const (
	// FailureOriginError はオリジンが200/400以外を返した、または応答しなかったことを示す。
	FailureOriginError FailureKind = "origin_error"
	// FailureRateLimited は呼び出し元がレート制限に達したことを示す。
	FailureRateLimited FailureKind = "rate_limited"
)

// Failure は判定できなかったことを表す。
// StatusCodeはFailureOriginErrorの場合、RetryAfterSecondsはFailureRateLimitedの場合に設定される。
type Failure struct {
	Kind              FailureKind
	StatusCode        int
	RetryAfterSeconds int
}

func (Success) isResult() {}
func (Failure) isResult() {}
