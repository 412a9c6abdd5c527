package api

import (
	"context"
	"net/http"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/pelagos-market/pelagos/orchestrator"
	"github.com/pelagos-market/pelagos/types"
)

// StartJobRequest is the POST /v1/jobs payload. Assets are passed
// inline, resolved by the caller from the catalog.
type StartJobRequest struct {
	Algorithm             *types.Asset              `json:"algorithm"`
	AlgorithmServiceIndex int                       `json:"algorithmServiceIndex"`
	Datasets              []DatasetSelection        `json:"datasets"`
	Environment           *types.ComputeEnvironment `json:"environment"`
	Resources             *types.ResourceSelection  `json:"resources"`
	Consumer              string                    `json:"consumer"`
	TermsAccepted         bool                      `json:"termsAccepted"`
}

// DatasetSelection names one dataset and the service to order.
type DatasetSelection struct {
	Asset        *types.Asset `json:"asset"`
	ServiceIndex int          `json:"serviceIndex"`
}

func (r *StartJobRequest) inputs() orchestrator.Inputs {
	datasets := make([]orchestrator.DatasetSelection, len(r.Datasets))
	for i, ds := range r.Datasets {
		datasets[i] = orchestrator.DatasetSelection{
			Asset:        ds.Asset,
			ServiceIndex: ds.ServiceIndex,
		}
	}
	return orchestrator.Inputs{
		Algorithm:             r.Algorithm,
		AlgorithmServiceIndex: r.AlgorithmServiceIndex,
		Datasets:              datasets,
		Environment:           r.Environment,
		Resources:             r.Resources,
		Consumer:              r.Consumer,
		TermsAccepted:         r.TermsAccepted,
	}
}

func (s *Server) handleStartJob(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// With auth enabled the token's consumer wins over the payload.
	if consumer := authedConsumer(c); consumer != "" {
		req.Consumer = consumer
	}

	attempt, err := s.orch.Start(req.inputs())
	if err != nil {
		failure := orchestrator.Classify(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   failure.Message,
			"class":   failure.Class,
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, attempt.Snapshot())
}

// handleGetAttempt returns the attempt snapshot. With ?wait_ms=N it
// blocks up to N milliseconds for the current run to finish first.
func (s *Server) handleGetAttempt(c *gin.Context) {
	attempt, err := s.orch.Attempt(c.Param("id"))
	if err != nil {
		s.attemptError(c, err)
		return
	}

	if waitMs := cast.ToInt64(c.Query("wait_ms")); waitMs > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(waitMs)*time.Millisecond)
		defer cancel()
		_ = attempt.Wait(ctx)
	}

	c.JSON(http.StatusOK, attempt.Snapshot())
}

func (s *Server) handleRetryAttempt(c *gin.Context) {
	attempt, err := s.orch.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.attemptError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt.Snapshot())
}

func (s *Server) handleCancelAttempt(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		s.attemptError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) attemptError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case sdkerrors.IsOf(err, types.ErrAttemptNotFound):
		status = http.StatusNotFound
	case sdkerrors.IsOf(err, types.ErrAttemptNotFailed):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// SessionRequest carries one credential session handle.
type SessionRequest struct {
	AssetID    string `json:"assetId" binding:"required"`
	ServiceID  string `json:"serviceId" binding:"required"`
	SessionID  string `json:"sessionId"`
	SkipVerify bool   `json:"skipVerify"`
}

func (s *Server) handlePutSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.sessions.Put(c.Request.Context(), types.CredentialSession{
		AssetID:    req.AssetID,
		ServiceID:  req.ServiceID,
		SessionID:  req.SessionID,
		SkipVerify: req.SkipVerify,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *Server) handleInvalidateSession(c *gin.Context) {
	assetID := c.Query("assetId")
	serviceID := c.Query("serviceId")
	if assetID == "" || serviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assetId and serviceId are required"})
		return
	}

	if err := s.sessions.Invalidate(c.Request.Context(), assetID, serviceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

func (s *Server) handleClearSessions(c *gin.Context) {
	if err := s.sessions.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
