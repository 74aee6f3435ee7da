package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/sngm3741/lisd-survey/api/internal/config"
	"github.com/sngm3741/lisd-survey/api/internal/infrastructure/memory"
	mongodoc "github.com/sngm3741/lisd-survey/api/internal/infrastructure/mongo"
	commonhttp "github.com/sngm3741/lisd-survey/api/internal/interfaces/http/common"
	surveyhttp "github.com/sngm3741/lisd-survey/api/internal/interfaces/http/survey"
	surveyapp "github.com/sngm3741/lisd-survey/api/internal/survey/application"
)

// Repositories は Server が利用する永続化ポートの組。
type Repositories struct {
	Surveys     surveyapp.SurveyRepository
	Users       surveyapp.UserRepository
	Submissions surveyapp.SubmissionRepository
	Tallies     surveyapp.TallySource
	// Ping はヘルスチェックで呼ばれる疎通確認。
	Ping func(ctx context.Context) error
	// Close はシャットダウン時に呼ばれる。
	Close func(ctx context.Context) error
}

// Server は HTTP サーバーのライフサイクルを管理し、アンケート用ハンドラへ依存注入するコンポジションルート。
type Server struct {
	logger         *zap.Logger
	repos          Repositories
	location       *time.Location
	jwtConfigs     []config.JWTConfig
	jwtAudience    string
	addr           string
	allowedOrigins []string

	refreshInterval time.Duration
	retryInterval   time.Duration

	users      *surveyapp.UserService
	tracker    *surveyapp.ProgressTracker
	pipeline   *surveyapp.SubmissionPipeline
	aggregator *surveyapp.ResultsAggregator
	catalog    *surveyapp.SurveyCatalog
}

type authenticatedUser = commonhttp.AuthenticatedUser

// Run はバックグラウンドワーカーと HTTP サーバーを起動し、シグナル受信まで待機する。
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("起動時のアンケート一覧取得に失敗しました", zap.Error(err))
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		s.runCatalogRefresher(ctx)
	}()
	go func() {
		defer workers.Done()
		s.runExpiryRetrier(ctx)
	}()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP サーバー起動", zap.String("addr", s.addr))
		errChan <- httpServer.ListenAndServe()
	}()

	err := waitForShutdown(httpServer, errChan, s)
	cancel()
	workers.Wait()
	return err
}

// Router は全ルートとミドルウェアを組み立てたハンドラを返す。
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(withCORS(s.allowedOrigins))

	router.Get("/healthz", s.healthHandler())

	surveyHandler := surveyhttp.NewHandler(surveyhttp.Config{
		Logger:     s.logger,
		Users:      s.users,
		Tracker:    s.tracker,
		Pipeline:   s.pipeline,
		Aggregator: s.aggregator,
		Catalog:    s.catalog,
		Location:   s.location,
	})
	surveyHandler.Register(router, s.authMiddleware)
	return router
}

// withCORS は許可されたオリジン情報をもとに CORS ヘッダーを付与するミドルウェアを返す。
func withCORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{})
	allowAll := false
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || (!allowAll && len(allowed) > 0 && !originAllowed(origin, allowed)) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Last-Event-ID")
			w.Header().Set("Access-Control-Max-Age", "300")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed は指定された Origin が許可リストに含まれるか判定する。
func originAllowed(origin string, allowed map[string]struct{}) bool {
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// healthHandler はストアへの疎通確認を行い、監視系からのヘルスチェック要求に応える。
func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if s.repos.Ping != nil {
			if err := s.repos.Ping(ctx); err != nil {
				s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "degraded",
					"error":  err.Error(),
				})
				return
			}
		}

		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"time":             time.Now().In(s.location).Format(time.RFC3339),
			"catalogRefreshed": s.catalog.RefreshedAt().In(s.location).Format(time.RFC3339),
			"pendingExpiries":  s.pipeline.PendingExpiries(),
			"liveFeeds":        s.aggregator.Active(),
		})
	}
}

// authMiddleware は Authorization ヘッダーから JWT を検証し、認証済みユーザーをコンテキストへ詰める。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" {
			s.writeUnauthorized(w, "Authorization ヘッダーがありません")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			s.writeUnauthorized(w, "Bearer トークンを指定してください")
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		if tokenString == "" {
			s.writeUnauthorized(w, "アクセストークンが空です")
			return
		}

		claims, err := s.parseAuthToken(tokenString)
		if err != nil {
			s.writeUnauthorized(w, err.Error())
			return
		}

		user := authenticatedUser{
			ID:    claims.Subject,
			Email: claims.Email,
			Name:  claims.Name,
		}

		ctx := commonhttp.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseAuthToken は JWT 設定を順番に試し、署名検証と Issuer/Audience の整合性を確認する。
func (s *Server) parseAuthToken(tokenString string) (*authClaims, error) {
	if len(s.jwtConfigs) == 0 {
		return nil, fmt.Errorf("認証設定が構成されていません")
	}

	for _, cfg := range s.jwtConfigs {
		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
			}
			return cfg.Secret, nil
		}, jwt.WithLeeway(30*time.Second))

		if err != nil || !token.Valid {
			continue
		}

		if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
			continue
		}
		if claims.Subject == "" {
			continue
		}
		if s.jwtAudience != "" && !contains(claims.Audience, s.jwtAudience) {
			continue
		}

		return claims, nil
	}

	return nil, fmt.Errorf("アクセストークンが無効です")
}

// contains は Audience 等の検証で利用する単純な包含チェック。
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

type authClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusUnauthorized, commonhttp.ErrorBody{Error: message, Code: "UNAUTHENTICATED"})
}

// writeJSON は JSON レスポンスの共通書き込み処理。
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	commonhttp.WriteJSON(s.logger, w, status, payload)
}

// Shutdown は購読中の集計フィードを解放し、ストアとの接続をタイムアウト付きで閉じる。
func (s *Server) Shutdown(ctx context.Context) {
	s.aggregator.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.repos.Close != nil {
		if err := s.repos.Close(shutdownCtx); err != nil {
			s.logger.Warn("ストア切断時にエラー", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// waitForShutdown は ListenAndServe の終了と OS シグナルを監視し、graceful shutdown を実現する。
func waitForShutdown(httpServer *http.Server, errChan <-chan error, srv *Server) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("サーバーが異常終了", zap.Error(err))
			runErr = err
		}
	case sig := <-sigChan:
		srv.logger.Info("シグナルを受信。サーバー停止処理を開始します。", zap.String("signal", sig.String()))
		// SSE 接続を先に閉じないと Shutdown が待ち続けるため、集計フィードから解放する
		srv.aggregator.UnsubscribeAll()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			srv.logger.Warn("サーバー停止時にエラー", zap.Error(err))
		}
	}

	srv.Shutdown(context.Background())
	return runErr
}

// New は Config と Mongo クライアントを受け取り、Mongo 実装のリポジトリで Server を組み立てる。
func New(cfg config.Config, client *mongo.Client) *Server {
	db := client.Database(cfg.MongoDatabase)
	tallies := mongodoc.NewTallyRepository(db, cfg.AnswerCollection, cfg.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := tallies.EnsureIndexes(ctx); err != nil {
		cfg.Logger.Warn("インデックスの作成に失敗しました", zap.Error(err))
	}

	return NewWithRepositories(cfg, Repositories{
		Surveys:     mongodoc.NewSurveyRepository(db, cfg.SurveyCollection, cfg.Logger),
		Users:       mongodoc.NewUserRepository(db, cfg.UserCollection),
		Submissions: mongodoc.NewSubmissionRepository(db, cfg.ResponseCollection, cfg.AnswerCollection, cfg.UserCollection),
		Tallies:     tallies,
		Ping: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		},
		Close: client.Disconnect,
	})
}

// NewMemory は MONGO_URI=memory:// 用に、プロセス内ストアで Server を組み立てる。
func NewMemory(cfg config.Config, store *memory.Store) *Server {
	return NewWithRepositories(cfg, Repositories{
		Surveys:     store,
		Users:       store.Users(),
		Submissions: store,
		Tallies:     store,
		Ping:        store.Ping,
	})
}

// NewWithRepositories はアプリケーションサービスとハンドラを組み立てた Server を返す。
func NewWithRepositories(cfg config.Config, repos Repositories) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	opts := surveyapp.Options{
		EnforceOptionMembership: cfg.EnforceOptionMembership,
		DefaultUserTags:         cfg.DefaultUserTags,
	}
	users := surveyapp.NewUserService(repos.Users, logger, opts)
	tracker := surveyapp.NewProgressTracker(repos.Surveys, repos.Users, logger, opts)

	return &Server{
		logger:          logger,
		repos:           repos,
		location:        loc,
		jwtConfigs:      append([]config.JWTConfig(nil), cfg.JWTConfigs...),
		jwtAudience:     cfg.JWTAudience,
		addr:            cfg.Addr,
		allowedOrigins:  append([]string(nil), cfg.AllowedOrigins...),
		refreshInterval: cfg.CatalogRefreshInterval,
		retryInterval:   cfg.ExpiryRetryInterval,
		users:           users,
		tracker:         tracker,
		pipeline:        surveyapp.NewSubmissionPipeline(repos.Surveys, repos.Users, repos.Submissions, tracker, logger, opts),
		aggregator:      surveyapp.NewResultsAggregator(repos.Tallies, logger, opts),
		catalog:         surveyapp.NewSurveyCatalog(repos.Surveys, users, tracker, logger),
	}
}
