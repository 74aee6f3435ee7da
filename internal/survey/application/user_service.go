package application

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// UserService は初回アクセス時のユーザードキュメント作成とタグ編集を担当する。
type UserService struct {
	users  UserRepository
	logger *zap.Logger
	opts   Options
}

// NewUserService creates a new UserService.
func NewUserService(users UserRepository, logger *zap.Logger, opts Options) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, logger: logger, opts: opts}
}

// EnsureUser returns the user's profile, creating it with defaults on first access.
// A document created earlier by an autosave or expiry write has its missing defaults filled in.
func (s *UserService) EnsureUser(ctx context.Context, userID, email string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	profile, err := s.users.FindByID(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err == nil && profile.Email != "" {
		return profile, nil
	}

	// 未作成、または回答の自動保存で先に作られた不完全なドキュメント
	defaults := &domain.UserProfile{
		ID:               userID,
		Email:            email,
		DisplayName:      DisplayNameFromEmail(email),
		Tags:             NormalizeTags(s.opts.DefaultUserTags),
		CompletedSurveys: []string{},
		ExpiredSurveys:   []string{},
		Ongoing:          map[string]domain.Progress{},
	}
	if err := s.users.Create(ctx, defaults); err != nil {
		return nil, err
	}
	s.logger.Info("ユーザーを作成しました", zap.String("userId", userID))
	// 同時作成された場合は保存済みのドキュメントを正とする
	return s.users.FindByID(ctx, userID)
}

// Profile returns the stored profile.
func (s *UserService) Profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return s.users.FindByID(ctx, userID)
}

// Tags returns the user's tags; read failures degrade to no tags.
func (s *UserService) Tags(ctx context.Context, userID string) []string {
	profile, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("ユーザータグの取得に失敗しました", zap.String("userId", userID), zap.Error(err))
		}
		return nil
	}
	return profile.Tags
}

// UpdateTags replaces the user's tag set.
func (s *UserService) UpdateTags(ctx context.Context, userID string, tags []string) ([]string, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	normalized := NormalizeTags(tags)
	if err := s.users.UpdateTags(ctx, userID, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// DisplayNameFromEmail returns the local part of email.
func DisplayNameFromEmail(email string) string {
	if at := strings.Index(email, "@"); at >= 0 {
		return email[:at]
	}
	return email
}

// NormalizeTags trims, drops empties and dedupes while keeping the first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
