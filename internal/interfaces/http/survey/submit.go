package survey

import (
	"context"
	"net/http"
	"time"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
	surveyapp "github.com/sngm3741/lisd-survey/api/internal/survey/application"
)

// submitHandler は回答を確定する。ボディに answers がなければ記録済みの進捗を送信する。
// 失敗時は 5xx/4xx を返し、クライアントに再送を促す。
func (h *Handler) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		var req submitRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		userID := common.UserIDFromContext(r.Context())
		surveyID := surveyIDParam(r)

		var (
			result *surveyapp.SubmitResult
			err    error
		)
		if req.Answers == nil {
			result, err = h.pipeline.SubmitProgress(ctx, userID, surveyID)
		} else {
			answers := make(map[int]string, len(req.Answers))
			for key, answer := range req.Answers {
				index, ok := common.ParseIndex(key)
				if !ok {
					common.WriteBadRequest(h.logger, w, "設問番号の形式が不正です")
					return
				}
				answers[index] = answer
			}
			result, err = h.pipeline.Submit(ctx, userID, surveyID, answers)
		}
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}

		common.WriteJSON(h.logger, w, http.StatusOK, submitResponse{
			SurveyID:    result.SurveyID,
			Answers:     encodeAnswers(result.Answers),
			SubmittedAt: result.SubmittedAt.In(h.location),
			Status:      "completed",
		})
	}
}

// expireHandler は回答期間切れのアンケートを強制的に完了扱いにする。集計には反映しない。
func (h *Handler) expireHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		userID := common.UserIDFromContext(r.Context())
		surveyID := surveyIDParam(r)
		if _, err := h.catalog.Survey(ctx, surveyID); err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		if err := h.pipeline.MarkExpired(ctx, userID, surveyID); err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		progress, err := h.tracker.Get(ctx, userID, surveyID)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, h.mapProgress(progress))
	}
}
