package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/namecheck/internal/checker"
	"github.com/hitoshi/namecheck/internal/middleware"
	"github.com/hitoshi/namecheck/internal/model"
	"github.com/hitoshi/namecheck/internal/session"
)

// maxUsernameLength はユーザー名の最大文字数（rune単位）。
const maxUsernameLength = 64

// CheckerInterface はチェックハンドラーが必要とするサービスインターフェース。
type CheckerInterface interface {
	// Check はユーザー名の空き状況を呼び出し元IPの名義で判定する。
	Check(ctx context.Context, username, identity string) (checker.Result, error)
	// Status はセッションの状態を返す。
	Status() checker.Status
}

// FatalNotifier は回復不能な障害をプロセスの管理側へ通知する。
type FatalNotifier interface {
	NotifyFatal(err error)
}

// FatalNotifierFunc は関数をFatalNotifierとして扱うためのアダプタ。
type FatalNotifierFunc func(err error)

// NotifyFatal はf(err)を呼び出す。
func (f FatalNotifierFunc) NotifyFatal(err error) {
	f(err)
}

// CheckHandler はユーザー名チェックのHTTPハンドラー。
type CheckHandler struct {
	checker CheckerInterface
	fatal   FatalNotifier
	logger  *slog.Logger
}

// NewCheckHandler はCheckHandlerを生成する。fatalがnilの場合は通知しない。
func NewCheckHandler(c CheckerInterface, fatal FatalNotifier, logger *slog.Logger) *CheckHandler {
	if fatal == nil {
		fatal = FatalNotifierFunc(func(error) {})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckHandler{
		checker: c,
		fatal:   fatal,
		logger:  logger,
	}
}

// checkResponse はチェック結果のAPIレスポンス。
type checkResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
	Cached    bool   `json:"cached"`
}

// statusResponse はセッション状態のAPIレスポンス。
// 有効期限が不明な場合、expires_atとhours_leftはnullになる。
type statusResponse struct {
	LoggedIn  bool       `json:"logged_in"`
	ExpiresAt *time.Time `json:"expires_at"`
	HoursLeft *float64   `json:"hours_left"`
}

// Check はユーザー名の空き状況を返す。
// GET /api/check?username=xxx
func (h *CheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	username, apiErr := validateUsername(r.URL.Query().Get("username"))
	if apiErr != nil {
		handleAPIError(w, apiErr)
		return
	}

	identity := middleware.ClientIPFromContext(r.Context())

	result, err := h.checker.Check(r.Context(), username, identity)
	if err != nil {
		h.handleCheckError(w, r, err)
		return
	}

	switch res := result.(type) {
	case checker.Success:
		writeJSON(w, http.StatusOK, checkResponse{
			Username:  username,
			Available: res.Available,
			Cached:    res.FromCache,
		})
	case checker.Failure:
		switch res.Kind {
		case checker.FailureRateLimited:
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
			handleAPIError(w, model.NewRateLimitedError(res.RetryAfterSeconds))
		default:
			handleAPIError(w, model.NewOriginError(res.StatusCode))
		}
	default:
		h.logger.Error("unexpected check result", slog.Any("result", result))
		middleware.WriteInternalServerError(w)
	}
}

// handleCheckError はチェック処理のエラーを種別ごとのレスポンスに変換する。
// ログイン失敗は回復不能として管理側に通知する。
func (h *CheckHandler) handleCheckError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrFatal):
		h.logger.Error("origin session cannot be established",
			slog.String("error", err.Error()),
		)
		h.fatal.NotifyFatal(err)
		handleAPIError(w, model.NewSessionUnavailableError())
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// 呼び出し元が切断した
		h.logger.Info("client canceled request", slog.String("path", r.URL.Path))
	case errors.Is(err, context.DeadlineExceeded):
		handleAPIError(w, model.NewTimeoutError())
	default:
		h.logger.Error("store unavailable", slog.String("error", err.Error()))
		handleAPIError(w, model.NewStoreUnavailableError())
	}
}

// Status はオリジンとのセッション状態を返す。
// GET /api/status
func (h *CheckHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.checker.Status()
	resp := statusResponse{
		LoggedIn:  st.LoggedIn,
		HoursLeft: st.HoursLeft,
	}
	if st.ExpiresAt != nil {
		expiresAt := st.ExpiresAt.UTC()
		resp.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateUsername は前後の空白を除いたユーザー名を検証する。
func validateUsername(raw string) (string, *model.APIError) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", model.NewInvalidUsernameError("ユーザー名が指定されていません")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return "", model.NewInvalidUsernameError("ユーザー名が長すぎます")
	}
	if !utf8.ValidString(username) {
		return "", model.NewInvalidUsernameError("不正な文字コードです")
	}
	for _, c := range username {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return "", model.NewInvalidUsernameError("空白または制御文字は使用できません")
		}
	}
	return username, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
