package survey

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// meHandler は初回アクセス時にユーザードキュメントを作成し、プロフィールを返す。
func (h *Handler) meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		user, _ := common.UserFromContext(r.Context())
		profile, err := h.users.EnsureUser(ctx, user.ID, user.Email)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, mapProfile(profile))
	}
}

func (h *Handler) updateTagsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var req tagsRequest
		if !h.decodeBody(w, r, &req) {
			return
		}
		user, _ := common.UserFromContext(r.Context())
		if _, err := h.users.EnsureUser(ctx, user.ID, user.Email); err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		tags, err := h.users.UpdateTags(ctx, user.ID, req.Tags)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, map[string]any{"tags": tags})
	}
}

// partitionHandler は期限切れの進行中アンケートを確定させた上で、未回答・回答中・回答済みに分けて返す。
func (h *Handler) partitionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		userID := common.UserIDFromContext(r.Context())
		now := h.now()

		expired, err := h.pipeline.ExpireElapsed(ctx, userID, h.catalog.Surveys(ctx), now)
		if err != nil && domain.CodeOf(err) != domain.CodeUnauthenticated {
			h.logger.Warn("期限切れアンケートの確定に失敗しました", zap.String("userId", userID), zap.Error(err))
		}

		part, err := h.catalog.Partition(ctx, userID, now)
		if err != nil {
			common.WriteError(h.logger, w, err)
			return
		}
		common.WriteJSON(h.logger, w, http.StatusOK, partitionResponse{
			NotStarted: h.mapSummaries(part.NotStarted, now),
			Ongoing:    h.mapSummaries(part.Ongoing, now),
			Completed:  h.mapSummaries(part.Completed, now),
			Expired:    expired,
		})
	}
}

// logoutHandler はユーザーのローカル進捗キャッシュを破棄する。
func (h *Handler) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := common.UserIDFromContext(r.Context())
		h.tracker.Forget(userID)
		common.WriteJSON(h.logger, w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
