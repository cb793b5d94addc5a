package callback

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/session"
)

// Page texts.
const (
	TextUnknownState = "This authorization link has expired or was already used. Start the setup again from the chat."
	TextMissingCode  = "The authorization response did not include a code."
	TextDenied       = "Access to Google Calendar was not granted."
	TextInternal     = "Something went wrong while completing the authorization. Please try again later."
)

// registerRoutes sets up the callback routes on the Gin router.
func registerRoutes(router *gin.Engine, s *Server) {
	router.GET(Path, handleOAuthCallback(s))
	router.GET("/healthz", handleHealthz())
}

func handleHealthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func render(c *gin.Context, status int, title, message string) {
	c.HTML(status, "result.html", gin.H{
		"title":   title,
		"message": message,
	})
}

func handleOAuthCallback(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Query("state")
		sess, ok := s.lookup(c, state)
		if !ok {
			return
		}

		unlock := s.locks.Lock(sess.Key)
		defer unlock()

		// The chat may have consumed the attempt while we waited.
		sess, ok = s.lookup(c, state)
		if !ok {
			return
		}

		ctx := context.WithoutCancel(c.Request.Context())
		status, title := http.StatusOK, "Google Calendar linked"
		var text string

		switch code := c.Query("code"); {
		case c.Query("error") != "":
			log.Printf("callback: %s: consent refused: %s", sess.Key, c.Query("error"))
			s.linker.Cancel(sess)
			status, title, text = http.StatusBadRequest, "Authorization refused", TextDenied
		case code == "":
			render(c, http.StatusBadRequest, "Authorization failed", TextMissingCode)
			return
		default:
			var err error
			text, err = s.linker.Submit(ctx, sess, auth.Submission{Code: code, State: state})
			if err != nil {
				log.Printf("callback: %s: %v", sess.Key, err)
				status, title = http.StatusBadRequest, "Authorization failed"
			}
		}

		if err := s.store.Save(sess); err != nil {
			log.Printf("callback: %s: save: %v", sess.Key, err)
			render(c, http.StatusInternalServerError, "Authorization failed", TextInternal)
			return
		}
		s.notify(ctx, sess, text)
		render(c, status, title, text)
	}
}

// lookup finds the session owning state, rendering an error page when
// there is none.
func (s *Server) lookup(c *gin.Context, state string) (*models.UserSession, bool) {
	sess, err := s.store.FindByFlowState(state)
	switch {
	case errors.Is(err, session.ErrNotFound):
		render(c, http.StatusBadRequest, "Link expired", TextUnknownState)
		return nil, false
	case err != nil:
		log.Printf("callback: find state: %v", err)
		render(c, http.StatusInternalServerError, "Authorization failed", TextInternal)
		return nil, false
	}
	return sess, true
}

func (s *Server) notify(ctx context.Context, sess *models.UserSession, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, sess, text); err != nil {
		log.Printf("callback: %s: notify: %v", sess.Key, err)
	}
}
