package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cardman/internal/model"
)

// SourceStatusInterface はステータスハンドラーが必要とするマネージャーインターフェース。
type SourceStatusInterface interface {
	// Status は全登録ソースの健全性情報を返す。
	Status(ctx context.Context) []model.SourceStatus
	// DefaultSource はデフォルトソースのIDを返す。未設定の場合はfalse。
	DefaultSource() (string, bool)
}

// StatusHandler はソース健全性のHTTPハンドラー。
type StatusHandler struct {
	manager SourceStatusInterface
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(manager SourceStatusInterface) *StatusHandler {
	return &StatusHandler{manager: manager}
}

// sourceStatusResponse は1ソース分の健全性情報のレスポンス。
type sourceStatusResponse struct {
	SourceID string            `json:"source_id"`
	State    string            `json:"state"`
	Message  string            `json:"message,omitempty"`
	Metrics  map[string]string `json:"metrics,omitempty"`
}

// statusListResponse はGET /sources/statusのレスポンス。
type statusListResponse struct {
	DefaultSource string                 `json:"default_source,omitempty"`
	Sources       []sourceStatusResponse `json:"sources"`
}

// healthResponse はGET /healthのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
}

// GetSourcesStatus は全登録ソースの健全性を返す。
// GET /sources/status
// 個別ソースの問い合わせ失敗はerror状態のエントリとして報告され、
// エンドポイント全体は失敗しない。
func (h *StatusHandler) GetSourcesStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.manager.Status(r.Context())

	resp := statusListResponse{
		Sources: make([]sourceStatusResponse, 0, len(statuses)),
	}
	if defaultID, ok := h.manager.DefaultSource(); ok {
		resp.DefaultSource = defaultID
	}
	for _, status := range statuses {
		resp.Sources = append(resp.Sources, sourceStatusResponse{
			SourceID: status.SourceID,
			State:    string(status.State),
			Message:  status.Message,
			Metrics:  status.Metrics,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Health はプロセスの生存確認エンドポイント。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}
