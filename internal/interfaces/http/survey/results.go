package survey

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// resultsHandler は全設問の最新集計を返す。集計取得に失敗した設問は 0 件として扱う。
func (h *Handler) resultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if common.UserIDFromContext(r.Context()) == "" {
			common.WriteError(h.logger, w, domain.ErrUnauthenticated)
			return
		}
		survey, err := h.catalog.Survey(ctx, surveyIDParam(r))
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}

		questions := make([]questionResultResponse, 0, survey.QuestionCount())
		for idx, q := range survey.Questions {
			counts := h.aggregator.Counts(ctx, survey.ID, idx)
			questions = append(questions, mapQuestionResult(idx, q, counts))
		}
		common.WriteJSON(h.logger, w, http.StatusOK, resultsResponse{SurveyID: survey.ID, Questions: questions})
	}
}

// resultsStreamHandler は設問の集計スナップショットを Server-Sent Events で配信する。
// 各イベントは差分ではなく全件集計。
func (h *Handler) resultsStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if common.UserIDFromContext(r.Context()) == "" {
			common.WriteError(h.logger, w, domain.ErrUnauthenticated)
			return
		}
		index, ok := h.indexParam(w, r)
		if !ok {
			return
		}

		lookupCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		survey, err := h.catalog.Survey(lookupCtx, surveyIDParam(r))
		cancel()
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		if _, err := survey.Question(index); err != nil {
			common.WriteError(h.logger, w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			common.WriteJSON(h.logger, w, http.StatusInternalServerError, common.ErrorBody{Error: "streaming unsupported", Code: "STREAM_UNSUPPORTED"})
			return
		}

		sub, err := h.aggregator.Subscribe(r.Context(), survey.ID, index)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		defer sub.Cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(h.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case snap, open := <-sub.C:
				if !open {
					return
				}
				if err := writeSnapshot(w, snap); err != nil {
					h.logger.Debug("集計ストリームの書き込みを終了します", zap.Error(err))
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeSnapshot(w http.ResponseWriter, snap domain.ResultSnapshot) error {
	payload, err := json.Marshal(snapshotEvent{
		SurveyID:      snap.SurveyID,
		QuestionIndex: snap.QuestionIndex,
		Total:         snap.Counts.Total(),
		Counts:        snap.Counts,
		At:            snap.At,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: counts\nid: %d\ndata: %s\n\n", snap.At.UnixNano(), payload)
	return err
}
