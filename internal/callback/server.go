// Package callback serves the OAuth redirect endpoint. When Google sends
// the user back with ?code=&state=, the server finds the session that
// started the attempt, completes the linking step on the user's behalf and
// tells them about it in chat.
package callback

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/session"
)

// Path is the redirect path registered with Google.
const Path = "/oauth2/callback"

// SessionStore is the subset of session.Store the server needs.
type SessionStore interface {
	FindByFlowState(state string) (*models.UserSession, error)
	Save(sess *models.UserSession) error
}

// Linker completes or abandons a linking attempt. *linking.Workflow
// implements it.
type Linker interface {
	Submit(ctx context.Context, sess *models.UserSession, sub auth.Submission) (string, error)
	Cancel(sess *models.UserSession) string
}

// Notifier delivers a message to a session's chat. *telegraph.Daemon
// implements it.
type Notifier interface {
	Notify(ctx context.Context, sess *models.UserSession, text string) error
}

// Server handles OAuth redirects.
type Server struct {
	store    SessionStore
	locks    *session.Locks
	linker   Linker
	notifier Notifier
	port     int
	out      io.Writer
	router   *gin.Engine
}

// ServerOpts holds parameters for creating a Server.
type ServerOpts struct {
	Store    SessionStore
	Locks    *session.Locks // shared with the chat router
	Linker   Linker
	Notifier Notifier // optional; users are not told in chat when nil
	Port     int
	Out      io.Writer
}

// NewServer validates opts and builds the route table.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("callback: store is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("callback: locks are required")
	}
	if opts.Linker == nil {
		return nil, fmt.Errorf("callback: linker is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8085
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	s := &Server{
		store:    opts.Store,
		locks:    opts.Locks,
		linker:   opts.Linker,
		notifier: opts.Notifier,
		port:     opts.Port,
		out:      opts.Out,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(resultTemplate)
	registerRoutes(router, s)
	s.router = router
	return s, nil
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	fmt.Fprintf(s.out, "OAuth callback listening at http://localhost:%d%s\n", s.port, Path)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("callback: %w", err)
	}
	return nil
}

var resultTemplate = template.Must(template.New("result.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Agenssistant</title></head>
<body style="font-family: sans-serif; max-width: 36em; margin: 4em auto;">
<h1>{{.title}}</h1>
<p>{{.message}}</p>
<p>You can close this window and return to the chat.</p>
</body>
</html>
`))
