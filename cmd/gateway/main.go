// API Gatewayのエントリポイント。
// 認証・レート制限・アクセスログを行い、URLプレフィックスに応じて
// ユーザー・ウォッチリスト・レビューの各サービスへリクエストを転送する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nao1215/apigateway/internal/auth"
	"github.com/nao1215/apigateway/internal/config"
	"github.com/nao1215/apigateway/internal/gateway"
	"github.com/nao1215/apigateway/internal/tracing"
)

// version はビルド時に -ldflags で埋め込まれる。
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd はgatewayコマンドを生成する。サブコマンドなしの場合はserveとして動作する。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "API Gateway for the user, watchlist and review services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	root.PersistentFlags().String("env-file", "", "Path to .env file (default .env if present)")
	root.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	root.Flags().IntP("port", "p", 0, "Port to listen on (overrides PORT)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServe,
	}
	serve.Flags().IntP("port", "p", 0, "Port to listen on (overrides PORT)")

	root.AddCommand(serve, newTokenCmd())
	return root
}

// newTokenCmd は開発用のトークンを発行するコマンドを生成する。
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed HS256 token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			email, _ := cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.NewToken(cfg.JWTSecret, subject, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "User identifier stored in the sub claim")
	cmd.Flags().String("email", "", "Email claim")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// loadConfig はフラグと環境変数から設定を読み込む。
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	logLevel, _ := cmd.Flags().GetString("log-level")

	opts := config.Options{
		ConfigPath: configPath,
		EnvFile:    envFile,
		LogLevel:   logLevel,
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return nil, fmt.Errorf("portフラグの取得に失敗: %w", err)
		}
		opts.Port = port
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	return cfg, nil
}

// newLogger は設定されたレベルのJSONロガーを生成する。
func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// runServe はGatewayサーバーを起動し、SIGINT/SIGTERMで停止する。
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("トレースの初期化に失敗: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gateway.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracer provider", slog.String("error", err.Error()))
		}
	}()

	server, err := gateway.NewServer(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("Gatewayサーバーの実行に失敗: %w", err)
	}
	logger.Info("API Gateway stopped")
	return nil
}
