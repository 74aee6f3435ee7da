// Package main provides the catalog seeding CLI for the survey API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/config"
	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	mongodoc "github.com/sngm3741/lisd-survey/api/internal/infrastructure/mongo"
	surveyapp "github.com/sngm3741/lisd-survey/api/internal/survey/application"
)

func main() {
	cfg := config.Load()

	repo, closeRepo, err := openCatalog(cfg)
	if err != nil {
		cfg.Logger.Error("カタログストアに接続できません", zap.Error(err))
		os.Exit(1)
	}
	defer closeRepo()

	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Survey catalog seeding tool",
		Long: `Survey catalog seeding tool

Uploads the MOCK_TEST surveys used for manual testing and removes
surveys by tag.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				fmt.Printf("Error showing help: %v\n", err)
			}
		},
	}
	rootCmd.AddCommand(uploadCmd(repo, cfg.Logger))
	rootCmd.AddCommand(deleteCmd(repo, cfg.Logger))
	rootCmd.AddCommand(listCmd(repo, cfg))

	if err := rootCmd.Execute(); err != nil {
		closeRepo()
		os.Exit(1)
	}
}

// openCatalog は MONGO_URI に応じて Mongo かメモリのアンケートリポジトリを返す。
func openCatalog(cfg config.Config) (surveyapp.SurveyRepository, func(), error) {
	if cfg.UseMemoryStore() {
		cfg.Logger.Warn("メモリストアが指定されています。投入結果はこのプロセス内でのみ有効です")
		return memory.NewStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.MongoURI).SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	repo := mongodoc.NewSurveyRepository(client.Database(cfg.MongoDatabase), cfg.SurveyCollection, cfg.Logger)
	return repo, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		_ = client.Disconnect(ctx)
	}, nil
}
