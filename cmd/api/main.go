package main

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/config"
	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	"github.com/sngm3741/lisd-survey/api/internal/server"
)

func main() {
	cfg := config.Load()

	var app *server.Server
	if cfg.UseMemoryStore() {
		cfg.Logger.Warn("メモリストアで起動します。再起動するとデータは失われます")
		app = server.NewMemory(cfg, memory.NewStore())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		clientOptions := options.Client().ApplyURI(cfg.MongoURI).SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
		client, err := mongo.Connect(ctx, clientOptions)
		if err != nil {
			cfg.Logger.Fatal("MongoDB 接続に失敗しました", zap.Error(err))
		}
		app = server.New(cfg, client)
	}

	if err := app.Run(); err != nil {
		cfg.Logger.Fatal("サーバー起動に失敗", zap.Error(err))
	}
}
