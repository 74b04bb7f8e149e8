package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/cardman/internal/middleware"
	"github.com/hitoshi/cardman/internal/model"
	syncworker "github.com/hitoshi/cardman/internal/worker/sync"
)

// SyncTriggerInterface は同期ハンドラーが必要とするスケジューラーインターフェース。
type SyncTriggerInterface interface {
	// TriggerSync は指定ソース（空文字で全ソース）の同期ジョブを即時投入する。
	TriggerSync(ctx context.Context, sourceID, kind string, force bool) error
}

// SyncHandler は手動同期トリガーのHTTPハンドラー。
type SyncHandler struct {
	trigger SyncTriggerInterface
	manager SourceManagerInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(trigger SyncTriggerInterface, manager SourceManagerInterface) *SyncHandler {
	return &SyncHandler{
		trigger: trigger,
		manager: manager,
	}
}

// triggerSyncRequest は同期トリガーリクエストのボディ。ボディ省略時は全ソース対象。
type triggerSyncRequest struct {
	SourceID string `json:"source_id"`
	Force    bool   `json:"force"`
}

// triggerSyncResponse は同期トリガー受理のレスポンス。
type triggerSyncResponse struct {
	Status   string `json:"status"`
	Kind     string `json:"kind"`
	SourceID string `json:"source_id,omitempty"`
}

// TriggerDataSync はカードデータ同期を即時トリガーする。
// POST /sync/data
func (h *SyncHandler) TriggerDataSync(w http.ResponseWriter, r *http.Request) {
	h.triggerSync(w, r, syncworker.JobKindData)
}

// TriggerPriceSync は価格情報同期を即時トリガーする。
// POST /sync/prices
func (h *SyncHandler) TriggerPriceSync(w http.ResponseWriter, r *http.Request) {
	h.triggerSync(w, r, syncworker.JobKindPrices)
}

// triggerSync はリクエストボディを解析してスケジューラーにジョブ投入を依頼する。
// 投入の受理を202で返し、実際の同期はバックグラウンドで実行される。
func (h *SyncHandler) triggerSync(w http.ResponseWriter, r *http.Request, kind string) {
	var req triggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.SourceID != "" && !h.manager.HasSource(req.SourceID) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewUnknownSourceError(req.SourceID))
		return
	}

	if err := h.trigger.TriggerSync(r.Context(), req.SourceID, kind, req.Force); err != nil {
		handleServiceError(w, model.NewSyncFailedError(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(triggerSyncResponse{
		Status:   "accepted",
		Kind:     kind,
		SourceID: req.SourceID,
	})
}
