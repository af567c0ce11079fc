package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"context-lab/internal/router"
	"context-lab/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var drainTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experiment HTTP API",
	Long: `Start the HTTP API (runs, batches, SSE progress streams, markdown reports).

On SIGINT/SIGTERM the server stops accepting requests and waits up to --drain
for in-flight runs before cancelling them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&drainTimeout, "drain", 60*time.Second, "how long shutdown waits for in-flight runs")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 后台 run 不跟随信号 ctx：先给它们 drain 的时间，超时再取消
	baseCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	svc, cleanup, err := bootstrap(baseCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range svc.LLM.Providers() {
		if err := svc.LLM.Validate(name); err != nil {
			logger.Warn("provider unavailable", zap.String("provider", name), zap.Error(err))
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupRouter(svc, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("启动服务失败: %w", err)
	}

	logger.Info("shutting down", zap.Duration("drain", drainTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return drainRuns(shutdownCtx, svc.Runs, cancelRuns)
	})
	if err := g.Wait(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// drainRuns 等待进行中的 run；超时后取消剩余 run（它们保持当前状态）
func drainRuns(ctx context.Context, runs *service.RunOrchestrator, cancelRuns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancelRuns()
		<-done
		return fmt.Errorf("in-flight runs cancelled: %w", ctx.Err())
	}
}
