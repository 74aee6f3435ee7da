package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// runCatalogRefresher はアンケート一覧のキャッシュを一定間隔で読み直す。
func (s *Server) runCatalogRefresher(ctx context.Context) {
	if s.refreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.catalog.Refresh(ctx); err != nil {
				s.logger.Warn("アンケート一覧の再取得に失敗しました", zap.Error(err))
			}
		}
	}
}

// runExpiryRetrier は書き込みに失敗した期限切れ記録を再送する。
func (s *Server) runExpiryRetrier(ctx context.Context) {
	if s.retryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryExpiries(ctx)
		}
	}
}

// retryExpiries は保留中の期限切れ記録が無くなるまで指数バックオフで数回再送する。
func (s *Server) retryExpiries(ctx context.Context) int {
	if s.pipeline.PendingExpiries() == 0 {
		return 0
	}

	remaining, err := backoff.Retry(ctx, func() (int, error) {
		left := s.pipeline.RetryPending(ctx)
		if left > 0 {
			return left, fmt.Errorf("%d 件の期限切れ記録が未反映です", left)
		}
		return 0, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		s.logger.Warn("期限切れ記録の再送が完了しませんでした",
			zap.Int("remaining", s.pipeline.PendingExpiries()),
			zap.Error(err),
		)
		return s.pipeline.PendingExpiries()
	}
	if remaining == 0 {
		s.logger.Info("期限切れ記録の再送が完了しました")
	}
	return remaining
}
