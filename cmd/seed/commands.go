package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/config"
	surveyapp "github.com/sngm3741/lisd-survey/api/internal/survey/application"
	"github.com/sngm3741/lisd-survey/api/internal/survey/domain"
)

// MockTag marks every survey the upload command creates.
const MockTag = "MOCK_TEST"

// uploadCmd returns the upload command
func uploadCmd(repo surveyapp.SurveyRepository, logger *zap.Logger) *cobra.Command {
	var relative bool

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Replace the MOCK_TEST surveys",
		Long: `Delete every survey tagged MOCK_TEST and upload three fresh ones.

By default the windows use the fixed June 2025 dates. Use --relative to
anchor the first survey at the current time instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			_, err := upload(ctx, repo, logger, time.Now().UTC(), relative)
			return err
		},
	}
	cmd.Flags().BoolVar(&relative, "relative", false, "Shift survey windows so the first one opens now")
	return cmd
}

// deleteCmd returns the delete command
func deleteCmd(repo surveyapp.SurveyRepository, logger *zap.Logger) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete surveys by tag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tag == "" {
				return fmt.Errorf("--tag is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			deleted, err := repo.DeleteByTag(ctx, tag)
			if err != nil {
				logger.Error("アンケートの削除に失敗しました", zap.String("tag", tag), zap.Error(err))
				return err
			}
			logger.Info("アンケートを削除しました", zap.String("tag", tag), zap.Int("deleted", deleted))
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", MockTag, "Tag of the surveys to delete")
	return cmd
}

// listCmd returns the list command
func listCmd(repo surveyapp.SurveyRepository, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the surveys in the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			surveys, err := repo.FindAll(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, s := range surveys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s - %s\t%v\n",
					s.ID, s.Title, s.Window(now),
					s.StartTime.In(cfg.Location).Format(time.RFC3339),
					s.EndTime.In(cfg.Location).Format(time.RFC3339),
					s.Tags,
				)
			}
			return nil
		},
	}
}

// upload は既存の MOCK_TEST アンケートを消してから 3 件を投入し、投入したアンケートを返す。
func upload(ctx context.Context, repo surveyapp.SurveyRepository, logger *zap.Logger, now time.Time, relative bool) ([]domain.Survey, error) {
	deleted, err := repo.DeleteByTag(ctx, MockTag)
	if err != nil {
		logger.Error("古いモックアンケートの削除に失敗しました", zap.Error(err))
		return nil, err
	}
	logger.Info("古いモックアンケートを削除しました", zap.Int("deleted", deleted))

	surveys := mockSurveys(now, relative)
	for i := range surveys {
		if err := repo.Save(ctx, &surveys[i]); err != nil {
			logger.Error("アンケートの投入に失敗しました", zap.String("title", surveys[i].Title), zap.Error(err))
			return nil, err
		}
		logger.Info("アンケートを投入しました", zap.String("id", surveys[i].ID), zap.String("title", surveys[i].Title))
	}
	return surveys, nil
}

// mockSurveys builds the three MOCK_TEST surveys with fresh ids.
func mockSurveys(now time.Time, relative bool) []domain.Survey {
	windows := [][2]time.Time{
		{time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC), time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC), time.Date(2025, 6, 14, 23, 59, 0, 0, time.UTC)},
		{time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC), time.Date(2025, 6, 21, 17, 0, 0, 0, time.UTC)},
	}
	if relative {
		shift := now.Truncate(time.Minute).Sub(windows[0][0])
		for i := range windows {
			windows[i][0] = windows[i][0].Add(shift)
			windows[i][1] = windows[i][1].Add(shift)
		}
	}

	createdAt := now
	return []domain.Survey{
		{
			ID:    uuid.NewString(),
			Title: "Physics Timed Quiz",
			Image: "atom",
			Questions: []domain.Question{
				{Text: "What is Newton's 2nd law?", Type: domain.FreeResponse},
				{Text: "Speed of light?", Options: []string{"3x10^8 m/s", "1x10^6 m/s"}, Type: domain.MultipleChoice},
			},
			Tags:        []string{"STEM", MockTag},
			Description: "A quick timed quiz on basic physics.",
			CreatedAt:   &createdAt,
			StartTime:   windows[0][0],
			EndTime:     windows[0][1],
		},
		{
			ID:    uuid.NewString(),
			Title: "Business Vocabulary",
			Image: "briefcase",
			Questions: []domain.Question{
				{Text: "Define 'market capitalization'.", Type: domain.FreeResponse},
				{Text: "A stock split causes?", Options: []string{"Price falls", "Price rises"}, Type: domain.MultipleChoice},
			},
			Tags:        []string{"Business", MockTag},
			Description: "Short test on business terms.",
			CreatedAt:   &createdAt,
			StartTime:   windows[1][0],
			EndTime:     windows[1][1],
		},
		{
			ID:    uuid.NewString(),
			Title: "Leadership Principles",
			Image: "person.3.sequence",
			Questions: []domain.Question{
				{Text: "What is the most important trait in a leader?", Type: domain.FreeResponse},
				{Text: "Which of these is NOT a leadership quality?", Options: []string{"Vision", "Indecisiveness", "Empathy"}, Type: domain.MultipleChoice},
			},
			Tags:        []string{"Leadership", MockTag},
			Description: "Explore leadership behaviors and decision making.",
			CreatedAt:   &createdAt,
			StartTime:   windows[2][0],
			EndTime:     windows[2][1],
		},
	}
}
