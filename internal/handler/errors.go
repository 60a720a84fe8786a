package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/namecheck/internal/middleware"
	"github.com/hitoshi/namecheck/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleAPIError はAPIErrorを対応するHTTPステータスで書き込む。
func handleAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidUsername:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeOriginError:
		return http.StatusBadGateway
	case model.ErrCodeStoreUnavailable, model.ErrCodeSessionUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		slog.Warn("unmapped api error code", slog.String("code", apiErr.Code))
		return http.StatusInternalServerError
	}
}
