package survey

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
)

// decodeBody reads a JSON body into dst and validates it. An empty body leaves dst untouched.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, common.MaxRequestBody)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		common.WriteBadRequest(h.logger, w, "リクエストボディの形式が不正です")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		common.WriteBadRequest(h.logger, w, err.Error())
		return false
	}
	return true
}

func surveyIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func (h *Handler) indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, ok := common.ParseIndex(chi.URLParam(r, "index"))
	if !ok {
		common.WriteBadRequest(h.logger, w, "設問番号の形式が不正です")
	}
	return index, ok
}
