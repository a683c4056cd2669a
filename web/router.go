package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/stream"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	jrdJSON      = "application/jrd+json; charset=utf-8"

	shutdownTimeout = 30 * time.Second
)

// Store is what the read-only routes load directly.
type Store interface {
	ReadAccountByUsername(ctx context.Context, username, host string) (*domain.Account, error)
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	ReadNotesByUserId(ctx context.Context, userId uuid.UUID, limit int) ([]domain.Note, error)
	CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error)
	CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error)
}

type Server struct {
	conf  *util.AppConfig
	store Store
	fed   *activitypub.Federator
	inbox *activitypub.Inbox
	hub   *stream.Hub
	log   *zap.Logger

	// 10 requests per second per IP, burst of 20
	globalLimiter *RateLimiter
	// stricter for inbox POSTs: 5 per second per IP
	apLimiter *RateLimiter
}

func NewServer(conf *util.AppConfig, store Store, fed *activitypub.Federator, inbox *activitypub.Inbox, hub *stream.Hub, log *zap.Logger) *Server {
	return &Server{
		conf:          conf,
		store:         store,
		fed:           fed,
		inbox:         inbox,
		hub:           hub,
		log:           log.Named("web"),
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		apLimiter:     NewRateLimiter(rate.Limit(5), 10),
	}
}

// Router builds the gin engine with every route of the server.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/streaming", "/inbox"})))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	g.GET("/streaming", gin.WrapH(s.hub))

	if s.conf.Conf.WithAp {
		g.POST("/inbox", RateLimitMiddleware(s.apLimiter), gin.WrapF(s.inbox.HandleInbox))
		g.POST("/users/:id/inbox", RateLimitMiddleware(s.apLimiter), gin.WrapF(s.inbox.HandleInbox))

		g.GET("/.well-known/webfinger", s.handleWebfinger)
		g.GET("/users/:id", s.handleActor)
		g.GET("/users/:id/outbox", s.handleOutbox)
		g.GET("/users/:id/followers", s.handleFollowers)
		g.GET("/users/:id/following", s.handleFollowing)
		g.GET("/notes/:id", s.handleNote)
	}

	g.GET("/users/:id/feed", s.handleFeed)
	return g
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.globalLimiter.RunCleanup(ctx)
	go s.apLimiter.RunCleanup(ctx)

	errs := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Stopping HTTP server")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// localAccount loads the live local account named by the :id parameter.
// It writes the error response itself and returns nil when there is none.
func (s *Server) localAccount(c *gin.Context) *domain.Account {
	acc, err := s.store.ReadAccountByUsername(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		s.log.Error("Failed to read account", zap.String("username", c.Param("id")), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return nil
	}
	if acc == nil || acc.IsDeleted || acc.IsSuspended {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil
	}
	return acc
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
}

func renderActivity(c *gin.Context, obj any) {
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, obj)
}
