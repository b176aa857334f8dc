// Package console serves the HTTP API the operator console calls into:
// media uploads, template management and the conversation view.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/upload"
)

// Uploader stores media bytes and returns a handle.
type Uploader interface {
	UploadFile(ctx context.Context, r io.Reader, fileName, mimeType string) (upload.MediaHandle, error)
}

// Templates is the template catalog.
type Templates interface {
	List(ctx context.Context) ([]catalog.Template, error)
	FindExact(ctx context.Context, name string) (catalog.Template, error)
	Create(ctx context.Context, def catalog.Definition) (catalog.Template, error)
	Delete(ctx context.Context, name string) error
}

// Conversations is the conversation sync engine.
type Conversations interface {
	Poll(ctx context.Context, businessNumber string) (conversation.Snapshot, error)
	Subscribe(ctx context.Context, businessNumber string) (*conversation.Subscription, error)
	SetResponseMode(ctx context.Context, businessNumber, conversationID string, mode conversation.ResponseMode) error
}

// Opts holds the services behind the API. Routes for a nil service are not
// registered.
type Opts struct {
	Uploads       Uploader
	Templates     Templates
	Conversations Conversations
	Store         *db.Store // serves the /api/data feed
	Port          int
	Logger        *zap.Logger
	Out           io.Writer
	// Heartbeat is the idle interval between SSE heartbeats.
	Heartbeat time.Duration
}

const defaultHeartbeat = 15 * time.Second

// NewRouter builds the gin engine with every route the services allow.
func NewRouter(opts Opts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := logging.OrNop(opts.Logger)
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(logging.Recovery(logger), logging.GinMiddleware(logger))
	registerRoutes(router, opts)
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Uploads == nil && opts.Templates == nil && opts.Conversations == nil && opts.Store == nil {
		return fmt.Errorf("console: at least one service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Console API running at http://localhost:%d\n", opts.Port)
	}
	logging.OrNop(opts.Logger).Info("console listening", zap.Int("port", opts.Port))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
