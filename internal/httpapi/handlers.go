package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/oauth"
	"github.com/agentworkforce/engagesync/internal/rules"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var body loginRequest
	if !s.bindJSON(c, &body) {
		return
	}
	cred := controlplane.BasicCredential(body.Username, body.Password)
	if strings.TrimSpace(body.Token) != "" {
		cred = controlplane.BearerCredential(body.Token)
	}
	if err := cred.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	cred, err := s.session.Login(c.Request.Context(), s.exchanger, cred)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": cred.Mode, "username": cred.Username})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.session.Clear()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	view, err := s.reconciler.Refresh(c.Request.Context(), cred)
	if err != nil && !errors.Is(err, accounts.ErrTransientFailure) {
		respondError(c, err)
		return
	}
	if view.Accounts == nil {
		view.Accounts = []accounts.ConnectedAccount{}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleRemoveAccount(c *gin.Context) {
	if err := s.reconciler.Store().Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	s.NotifyAccountsChanged()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearAccounts(c *gin.Context) {
	if err := s.reconciler.Store().Clear(); err != nil {
		respondError(c, err)
		return
	}
	s.NotifyAccountsChanged()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartHandshake(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	attempt, err := s.coordinator.Start(c.Request.Context(), cred, oauth.NewDetachedSurface(nil))
	if err != nil {
		respondError(c, err)
		return
	}
	go s.followAttempt(attempt, cred)
	snapshot := attempt.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":            snapshot.State,
		"authorizationUrl": snapshot.AuthorizationURL,
		"status":           snapshot.Status,
	})
}

func (s *Server) handleCancelHandshake(c *gin.Context) {
	state := c.Param("state")
	if err := s.coordinator.Cancel(state); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":  state,
		"status": oauth.StateFailed,
		"reason": oauth.ReasonCancelled,
	})
}

func (s *Server) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"notifications": s.coordinator.Hub().Poll(),
		"pending":       s.coordinator.Pending(),
	})
}

func (s *Server) handleListRules(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	list, mode, err := s.rules.List(c.Request.Context(), cred)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []rules.AutomationRule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "mode": mode})
}

func (s *Server) handleCreateRule(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	var spec rules.RuleSpec
	if !s.bindJSON(c, &spec) {
		return
	}
	rule, mode, err := s.rules.Create(c.Request.Context(), cred, spec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule, "mode": mode})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleToggleRule(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	var body toggleRequest
	if !s.bindJSON(c, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "enabled is required")
		return
	}
	rule, mode, err := s.rules.Toggle(c.Request.Context(), cred, c.Param("id"), *body.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule, "mode": mode})
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	id := c.Param("id")
	mode, err := s.rules.Delete(c.Request.Context(), cred, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true, "mode": mode})
}

func (s *Server) handleStartAutomation(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	mode, err := s.rules.Start(c.Request.Context(), cred)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "mode": mode})
}

func (s *Server) handleStopAutomation(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	mode, err := s.rules.Stop(c.Request.Context(), cred)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false, "mode": mode})
}

func (s *Server) handleAutomationStatus(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	status, mode, err := s.rules.Status(c.Request.Context(), cred)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "mode": mode})
}

type activateRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleActivate(c *gin.Context) {
	cred, ok := s.credential(c)
	if !ok {
		return
	}
	var body activateRequest
	if !s.bindJSON(c, &body) {
		return
	}
	if strings.TrimSpace(body.Username) == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "username is required")
		return
	}
	activation, err := s.rules.Activate(c.Request.Context(), cred, body.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, activation)
}
