package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sipeed/picocrm/pkg/auth"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/schedule"
)

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var sendErr *inbox.SendError
	var valErr *schedule.ValidationError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "fields": valErr.Fields})
	case errors.As(err, &sendErr):
		status := http.StatusBadGateway
		if errors.Is(err, inbox.ErrMediaUnsupported) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
	case errors.Is(err, inbox.ErrUnknownConversation), errors.Is(err, inbox.ErrUnknownChannel):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, inbox.ErrDuplicateConversation),
		errors.Is(err, inbox.ErrNoEditSession),
		errors.Is(err, auth.ErrEmailInUse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrNoSession):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, inbox.ErrUnknownStatus),
		errors.Is(err, inbox.ErrEmptyName),
		errors.Is(err, inbox.ErrInvalidContact),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// conversation loads the :id conversation or writes a 404.
func (s *Server) conversation(c *gin.Context) (inbox.Conversation, bool) {
	conv, ok := s.inbox.Get(c.Param("id"))
	if !ok {
		writeError(c, inbox.ErrUnknownConversation)
	}
	return conv, ok
}

type credentialsRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.auth.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.auth.Logout(c.Request.Context(), c.GetString(tokenKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, c.MustGet(userKey))
}

type connectionChecker interface {
	Connected(ctx context.Context) bool
}

type channelInfo struct {
	Name      string `json:"name"`
	Live      bool   `json:"live"`
	Connected *bool  `json:"connected,omitempty"`
}

func (s *Server) handleChannels(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	names := s.inbox.ChannelNames()
	out := make([]channelInfo, 0, len(names))
	for _, name := range names {
		ch, ok := s.inbox.Channel(name)
		if !ok {
			continue
		}
		info := channelInfo{Name: name, Live: ch.Live()}
		if cc, ok := ch.(connectionChecker); ok {
			connected := cc.Connected(ctx)
			info.Connected = &connected
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// handleRefresh re-ingests one channel, or all of them when none is named.
func (s *Server) handleRefresh(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if name := c.Query("channel"); name != "" {
		n, err := s.inbox.Refresh(ctx, name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel": name, "count": n, "counts": s.inbox.Counts()})
		return
	}
	s.inbox.RefreshAll(ctx)
	c.JSON(http.StatusOK, gin.H{"counts": s.inbox.Counts()})
}

func (s *Server) handleCounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.inbox.Counts())
}

func (s *Server) handleState(c *gin.Context) {
	resp := gin.H{
		"loading": s.inbox.Loading(),
		"counts":  s.inbox.Counts(),
	}
	if conv, ok := s.inbox.Selected(); ok {
		resp["selected"] = conv
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListConversations(c *gin.Context) {
	var status inbox.Status
	if raw := c.Query("status"); raw != "" {
		st, err := inbox.ParseStatus(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		status = st
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": s.inbox.Conversations(c.Query("q"), status),
		"selected_id":   s.inbox.Store().SelectedID(),
	})
}

type startConversationRequest struct {
	Channel     string `json:"channel" binding:"required"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone" binding:"required"`
}

func (s *Server) handleStartConversation(c *gin.Context) {
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := s.inbox.StartConversation(req.Channel, req.DisplayName, req.Phone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"draft":        s.inbox.Draft(conv.ID),
		"scheduled":    s.inbox.Scheduled(conv.ID),
	})
}

func (s *Server) handleSelect(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	conv, ok := s.inbox.Select(ctx, c.Param("id"))
	if !ok {
		writeError(c, inbox.ErrUnknownConversation)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     s.inbox.Messages(conv.ID),
	})
}

func (s *Server) handleDeselect(c *gin.Context) {
	s.inbox.Deselect()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMessages(c *gin.Context) {
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.inbox.Messages(conv.ID)})
}

type sendRequest struct {
	Text        string            `json:"text"`
	ContentType inbox.ContentType `json:"content_type"`
	MediaURL    string            `json:"media_url"`
}

// handleSend answers 204 when there was nothing to send.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	id := c.Param("id")
	var (
		msg inbox.Message
		err error
	)
	if req.ContentType == "" && strings.TrimSpace(req.MediaURL) != "" {
		req.ContentType = inbox.MediaTypeForURL(req.MediaURL)
	}
	switch req.ContentType {
	case "", inbox.ContentText:
		msg, err = s.inbox.Send(ctx, id, req.Text)
	case inbox.ContentImage, inbox.ContentAudio:
		if strings.TrimSpace(req.MediaURL) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "media_url is required"})
			return
		}
		msg, err = s.inbox.SendMedia(ctx, id, req.ContentType, req.MediaURL, req.Text)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported content_type"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if msg.ID == "" {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := inbox.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	if err := s.inbox.SetStatus(conv.ID, status); err != nil {
		writeError(c, err)
		return
	}
	conv, _ = s.inbox.Get(conv.ID)
	c.JSON(http.StatusOK, conv)
}

// handleSetName runs a whole name edit session in one request.
func (s *Server) handleSetName(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	ed := s.inbox.Editor()
	if _, err := ed.BeginNameEdit(conv.ID); err != nil {
		writeError(c, err)
		return
	}
	if err := ed.SetNameDraft(conv.ID, req.DisplayName); err != nil {
		ed.CancelNameEdit(conv.ID)
		writeError(c, err)
		return
	}
	if err := ed.SaveName(conv.ID); err != nil {
		ed.CancelNameEdit(conv.ID)
		writeError(c, err)
		return
	}
	conv, _ = s.inbox.Get(conv.ID)
	c.JSON(http.StatusOK, conv)
}

// handleSetInfo replaces the contact info wholesale; omitted fields clear.
func (s *Server) handleSetInfo(c *gin.Context) {
	var req inbox.ContactInfo
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	ed := s.inbox.Editor()
	if _, err := ed.BeginInfoEdit(conv.ID); err != nil {
		writeError(c, err)
		return
	}
	if err := ed.SetInfoDraft(conv.ID, inbox.ContactDraft(req)); err != nil {
		ed.CancelInfoEdit(conv.ID)
		writeError(c, err)
		return
	}
	if err := ed.SaveInfo(conv.ID); err != nil {
		ed.CancelInfoEdit(conv.ID)
		writeError(c, err)
		return
	}
	conv, _ = s.inbox.Get(conv.ID)
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleSetKanban(c *gin.Context) {
	var req struct {
		Stage string `json:"stage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.inbox.SetKanbanStage(c.Param("id"), req.Stage) {
		writeError(c, inbox.ErrUnknownConversation)
		return
	}
	conv, _ := s.inbox.Get(c.Param("id"))
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListScheduled(c *gin.Context) {
	conv, ok := s.conversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": s.inbox.Scheduled(conv.ID)})
}

type scheduleRequest struct {
	Text string `json:"text"`
	Date string `json:"date"`
	Time string `json:"time"`
	Cron string `json:"cron"`
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		m   schedule.Message
		err error
	)
	if req.Cron != "" {
		m, err = s.inbox.ScheduleRecurring(c.Param("id"), req.Text, req.Cron)
	} else {
		m, err = s.inbox.Schedule(c.Param("id"), req.Text, req.Date, req.Time)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// handleCancelScheduled succeeds whether or not the entry existed.
func (s *Server) handleCancelScheduled(c *gin.Context) {
	s.inbox.CancelScheduled(c.Param("id"), c.Param("sid"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"due": s.inbox.Due(time.Now())})
}
