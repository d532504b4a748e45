package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/heartwise/heartwise/advisor"
	"github.com/heartwise/heartwise/store"
)

type contactResponse struct {
	ID        int32  `json:"id"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Alias     string `json:"alias,omitempty"`
	Persona   string `json:"persona,omitempty"`
	CreatedTs int64  `json:"created_ts"`
	UpdatedTs int64  `json:"updated_ts"`
}

type sessionResponse struct {
	ID           int32  `json:"id"`
	UID          string `json:"uid"`
	ContactID    int32  `json:"contact_id"`
	Title        string `json:"title"`
	TitleSource  string `json:"title_source"`
	MessageCount int32  `json:"message_count"`
	Pinned       bool   `json:"pinned"`
	CreatedTs    int64  `json:"created_ts"`
	UpdatedTs    int64  `json:"updated_ts"`
}

type blockResponse struct {
	UID      string               `json:"uid"`
	Type     store.BlockType      `json:"type"`
	Status   store.BlockStatus    `json:"status"`
	Content  string               `json:"content"`
	Metadata *store.BlockMetadata `json:"metadata,omitempty"`
}

type messageResponse struct {
	UID            string           `json:"uid"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	SendStatus     store.SendStatus `json:"send_status"`
	RelatedUserUID *string          `json:"related_user_uid,omitempty"`
	Timestamp      int64            `json:"timestamp"`
	Live           bool             `json:"live,omitempty"`
	Blocks         []blockResponse  `json:"blocks,omitempty"`
}

func convertContact(contact *store.Contact) contactResponse {
	return contactResponse{
		ID:        contact.ID,
		UID:       contact.UID,
		Name:      contact.Name,
		Alias:     contact.Alias,
		Persona:   contact.Persona,
		CreatedTs: contact.CreatedTs,
		UpdatedTs: contact.UpdatedTs,
	}
}

func convertSession(session *store.AdvisorSession) sessionResponse {
	return sessionResponse{
		ID:           session.ID,
		UID:          session.UID,
		ContactID:    session.ContactID,
		Title:        session.Title,
		TitleSource:  string(session.TitleSource),
		MessageCount: session.MessageCount,
		Pinned:       session.Pinned,
		CreatedTs:    session.CreatedTs,
		UpdatedTs:    session.UpdatedTs,
	}
}

func convertMessage(message *advisor.VisibleMessage) messageResponse {
	out := messageResponse{
		UID:            message.Record.UID,
		Role:           string(message.Record.Role),
		Content:        message.Record.Content,
		SendStatus:     message.Record.SendStatus,
		RelatedUserUID: message.Record.RelatedUserUID,
		Timestamp:      message.Record.Timestamp,
		Live:           message.Live,
	}
	for _, block := range message.Blocks {
		out.Blocks = append(out.Blocks, blockResponse{
			UID:      block.UID,
			Type:     block.Type,
			Status:   block.Status,
			Content:  block.Content,
			Metadata: block.Metadata,
		})
	}
	return out
}

// httpError maps an engine error to its HTTP status.
func httpError(err error) *echo.HTTPError {
	kind := advisor.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case advisor.KindValidation:
		status = http.StatusBadRequest
	case advisor.KindConflict:
		status = http.StatusConflict
	case advisor.KindRegenerateSource:
		status = http.StatusUnprocessableEntity
	case advisor.KindTransport:
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, map[string]any{
		"message":   err.Error(),
		"kind":      kind.String(),
		"retryable": kind.Retryable(),
	})
}

func sessionIDParam(c echo.Context) (int32, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return int32(id), nil
}

func (s *APIV1Service) ListContacts(c echo.Context) error {
	ctx := c.Request().Context()
	normal := store.RowStatusNormal
	contacts, err := s.Store.ListContacts(ctx, &store.FindContact{RowStatus: &normal})
	if err != nil {
		return httpError(err)
	}
	out := make([]contactResponse, 0, len(contacts))
	for _, contact := range contacts {
		out = append(out, convertContact(contact))
	}
	return c.JSON(http.StatusOK, out)
}

type createContactRequest struct {
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Persona string `json:"persona"`
}

func (s *APIV1Service) CreateContact(c echo.Context) error {
	ctx := c.Request().Context()
	req := &createContactRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	now := time.Now().UnixMilli()
	contact, err := s.Store.CreateContact(ctx, &store.Contact{
		UID:       shortuuid.New(),
		Name:      req.Name,
		Alias:     req.Alias,
		Persona:   req.Persona,
		RowStatus: store.RowStatusNormal,
		CreatedTs: now,
		UpdatedTs: now,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, convertContact(contact))
}

func contactIDParam(c echo.Context) (int32, error) {
	id, err := strconv.ParseInt(c.Param("contactID"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}
	return int32(id), nil
}

func (s *APIV1Service) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()
	contactID, err := contactIDParam(c)
	if err != nil {
		return err
	}

	session, err := s.Sessions.CreateOrReuse(ctx, contactID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, convertSession(session))
}

func (s *APIV1Service) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	contactID, err := contactIDParam(c)
	if err != nil {
		return err
	}

	sessions, err := s.Sessions.List(ctx, contactID)
	if err != nil {
		return httpError(err)
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, convertSession(session))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return httpError(err)
	}
	if session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, convertSession(session))
}

type updateSessionRequest struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
}

func (s *APIV1Service) UpdateSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}
	req := &updateSessionRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
	}

	if req.Title != nil {
		if err := s.Sessions.Rename(ctx, sessionID, *req.Title); err != nil {
			return httpError(err)
		}
	}
	if req.Pinned != nil {
		if err := s.Sessions.SetPinned(ctx, sessionID, *req.Pinned); err != nil {
			return httpError(err)
		}
	}

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return httpError(err)
	}
	if session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, convertSession(session))
}

func (s *APIV1Service) DeleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	// An in-flight stream dies with its session.
	s.Engine.StopGeneration(sessionID)
	s.Drafts.Clear(sessionID)

	if err := s.Sessions.Delete(ctx, sessionID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) GetSessionUsage(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var (
		session *store.AdvisorSession
		usage   *store.SessionUsage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		session, err = s.Sessions.Get(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		usage, err = s.Store.GetSessionUsage(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return httpError(err)
	}
	if session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, usage)
}

func (s *APIV1Service) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	messages, err := s.Engine.ListVisibleMessages(ctx, sessionID)
	if err != nil {
		return httpError(err)
	}
	out := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, convertMessage(message))
	}
	return c.JSON(http.StatusOK, out)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage streams the AI response over SSE. Each engine update is
// one event; the stream ends after the terminal event.
func (s *APIV1Service) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}
	req := &sendMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
	}

	sink, err := newSSESink(c)
	if err != nil {
		return err
	}
	if _, err := s.Engine.SendMessage(ctx, sessionID, req.Content, sink); err != nil {
		return sink.fail(err)
	}
	return nil
}

func (s *APIV1Service) RegenerateMessage(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}
	messageUID := c.Param("uid")

	sink, err := newSSESink(c)
	if err != nil {
		return err
	}
	if _, err := s.Engine.RegenerateMessage(ctx, sessionID, messageUID, sink); err != nil {
		return sink.fail(err)
	}
	return nil
}

func (s *APIV1Service) RegenerateLast(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	sink, err := newSSESink(c)
	if err != nil {
		return err
	}
	if _, err := s.Engine.RegenerateLast(ctx, sessionID, sink); err != nil {
		return sink.fail(err)
	}
	return nil
}

func (s *APIV1Service) StopGeneration(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	stopped := s.Engine.StopGeneration(sessionID)
	return c.JSON(http.StatusOK, map[string]bool{"stopped": stopped})
}

type draftResponse struct {
	Content string `json:"content"`
}

func (s *APIV1Service) GetDraft(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	content, err := s.Drafts.Restore(ctx, sessionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, draftResponse{Content: content})
}

type saveDraftRequest struct {
	Content string `json:"content"`
}

func (s *APIV1Service) SaveDraft(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}
	req := &saveDraftRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
	}

	s.Drafts.OnInputChanged(sessionID, req.Content)
	return c.NoContent(http.StatusAccepted)
}

func (s *APIV1Service) DeleteDraft(c echo.Context) error {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	s.Drafts.Clear(sessionID)
	return c.NoContent(http.StatusNoContent)
}

// sseSink streams engine updates as server-sent events.
type sseSink struct {
	c       echo.Context
	flusher http.Flusher
	sent    bool
}

func newSSESink(c echo.Context) (*sseSink, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}
	return &sseSink{c: c, flusher: flusher}, nil
}

func (s *sseSink) Send(update *advisor.Update) error {
	// Headers are committed lazily so that errors raised before the
	// first event still produce a plain HTTP status.
	if !s.sent {
		header := s.c.Response().Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set(echo.HeaderCacheControl, "no-cache")
		header.Set(echo.HeaderConnection, "keep-alive")
		s.c.Response().WriteHeader(http.StatusOK)
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Response(), "event: %s\ndata: %s\n\n", update.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	s.sent = true
	return nil
}

// fail reports an engine error. Before the stream has emitted anything
// a plain HTTP error is returned; afterwards the error rides the stream
// as a final event.
func (s *sseSink) fail(err error) error {
	if !s.sent {
		return httpError(err)
	}
	kind := advisor.Classify(err)
	_ = s.Send(&advisor.Update{
		Type:      advisor.UpdateFailed,
		Error:     err.Error(),
		Retryable: kind.Retryable(),
	})
	return nil
}
