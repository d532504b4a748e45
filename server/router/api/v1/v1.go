// Package v1 implements the advisor HTTP API.
package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/heartwise/heartwise/advisor"
	"github.com/heartwise/heartwise/internal/profile"
	"github.com/heartwise/heartwise/store"
)

type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Engine   *advisor.Engine
	Sessions *advisor.SessionStore
	Drafts   *advisor.DraftManager
}

func NewAPIV1Service(profile *profile.Profile, store *store.Store, engine *advisor.Engine, sessions *advisor.SessionStore, drafts *advisor.DraftManager) *APIV1Service {
	return &APIV1Service{
		Profile:  profile,
		Store:    store,
		Engine:   engine,
		Sessions: sessions,
		Drafts:   drafts,
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.GET("/contacts", s.ListContacts)
	g.POST("/contacts", s.CreateContact)

	g.POST("/contacts/:contactID/sessions", s.CreateSession)
	g.GET("/contacts/:contactID/sessions", s.ListSessions)
	g.GET("/sessions/:id", s.GetSession)
	g.PATCH("/sessions/:id", s.UpdateSession)
	g.DELETE("/sessions/:id", s.DeleteSession)
	g.GET("/sessions/:id/usage", s.GetSessionUsage)

	g.GET("/sessions/:id/messages", s.ListMessages)
	g.POST("/sessions/:id/messages", s.SendMessage)
	g.POST("/sessions/:id/regenerate", s.RegenerateLast)
	g.POST("/sessions/:id/messages/:uid/regenerate", s.RegenerateMessage)
	g.POST("/sessions/:id/stop", s.StopGeneration)

	g.GET("/sessions/:id/draft", s.GetDraft)
	g.PUT("/sessions/:id/draft", s.SaveDraft)
	g.DELETE("/sessions/:id/draft", s.DeleteDraft)
}
