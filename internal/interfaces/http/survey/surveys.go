package survey

import (
	"context"
	"net/http"
	"time"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
)

// eligibleListHandler はユーザーのタグと現在時刻で回答可能なアンケート一覧を返す。
// total は limit で切り詰める前の件数。
func (h *Handler) eligibleListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		now := h.now()
		surveys, err := h.catalog.ListEligible(ctx, common.UserIDFromContext(r.Context()), now)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		total := len(surveys)
		limit, _ := common.ParsePositiveInt(r.URL.Query().Get("limit"), common.DefaultListLimit)
		if limit > common.MaxListLimit {
			limit = common.MaxListLimit
		}
		if len(surveys) > limit {
			surveys = surveys[:limit]
		}
		common.WriteJSON(h.logger, w, http.StatusOK, listResponse{
			Items: h.mapSummaries(surveys, now),
			Total: total,
		})
	}
}

// surveyDetailHandler は設問・進捗・状態 (upcoming/active/completed/expired) をまとめて返す。
func (h *Handler) surveyDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		now := h.now()
		survey, progress, state, err := h.catalog.OpenSurvey(ctx, common.UserIDFromContext(r.Context()), surveyIDParam(r), now)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, surveyDetailResponse{
			surveySummaryResponse: h.mapSummary(*survey, now),
			Questions:             mapQuestions(survey.Questions),
			State:                 string(state),
			Progress:              h.mapProgress(progress),
		})
	}
}

func (h *Handler) progressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		progress, err := h.tracker.Get(ctx, common.UserIDFromContext(r.Context()), surveyIDParam(r))
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, h.mapProgress(progress))
	}
}

// recordAnswerHandler は回答を記録する。保存失敗は次回更新時に再送されるため応答には影響しない。
func (h *Handler) recordAnswerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		index, ok := h.indexParam(w, r)
		if !ok {
			return
		}
		var req answerRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		progress, err := h.tracker.RecordAnswer(ctx, common.UserIDFromContext(r.Context()), surveyIDParam(r), index, req.Answer)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, h.mapProgress(progress))
	}
}

func (h *Handler) advanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var req advanceRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		progress, err := h.tracker.Advance(ctx, common.UserIDFromContext(r.Context()), surveyIDParam(r), req.Delta)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, h.mapProgress(progress))
	}
}
