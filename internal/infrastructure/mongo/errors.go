package mongo

import (
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// translate はドライバのエラーをドメインのエラーコードへ変換する。
func translate(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.NotFound(kind, id)
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	var decodeErr *domain.DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	return domain.StoreUnavailable(op, err)
}
