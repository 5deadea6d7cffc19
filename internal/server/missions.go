package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/sortie/internal/engine"
	"github.com/kode4food/sortie/internal/store"
	"github.com/kode4food/sortie/pkg/api"
)

var (
	ErrListMissions = errors.New("failed to list missions")
	ErrGetMission   = errors.New("failed to get mission")
)

func (s *Server) listMissions(c *gin.Context) {
	missions, err := s.engine.ListMissions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrListMissions, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, api.MissionsListResponse{
		Missions: missions,
		Count:    len(missions),
	})
}

func (s *Server) createMission(c *gin.Context) {
	var req api.CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "Mission title is required",
			Status: http.StatusBadRequest,
		})
		return
	}
	if req.RalphMode && req.RalphMaxIterations <= 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "Ralph mode requires a positive iteration limit",
			Status: http.StatusBadRequest,
		})
		return
	}

	m, err := s.engine.CreateMission(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) getMission(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	m, err := s.engine.GetMission(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, m)
		return
	}
	s.missionError(c, id, err, ErrGetMission)
}

func (s *Server) continueMission(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	m, err := s.engine.ContinueMission(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, m)
		return
	}

	switch {
	case errors.Is(err, engine.ErrRunInFlight),
		errors.Is(err, engine.ErrMissionComplete):
		c.JSON(http.StatusConflict, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusConflict,
		})
	default:
		s.missionError(c, id, err, ErrGetMission)
	}
}

func (s *Server) transitionMission(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	var req api.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	m, err := s.engine.TransitionStage(c.Request.Context(), id, req.Stage)
	if err == nil {
		c.JSON(http.StatusOK, m)
		return
	}

	if errors.Is(err, engine.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusConflict,
		})
		return
	}
	s.missionError(c, id, err, ErrGetMission)
}

func (s *Server) cancelMission(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{
		Message: "mission canceled",
	})
}

func (s *Server) quickCommand(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	var req api.QuickCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "Command is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	res, err := s.engine.RunQuickCommand(c.Request.Context(), id, &req)
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	if errors.Is(err, engine.ErrExecutorUnavailable) {
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusServiceUnavailable,
		})
		return
	}
	s.missionError(c, id, err, ErrGetMission)
}

func (s *Server) listRuns(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))

	runs, err := s.engine.GetRuns(c.Request.Context(), id)
	if err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	c.JSON(http.StatusOK, api.RunsListResponse{
		Runs:  runs,
		Count: len(runs),
	})
}

func (s *Server) getRunLog(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	runID := api.RunID(c.Param("runID"))

	maxBytes := s.cfg.LogTailBytes
	if raw := c.Query("bytes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Error:  "bytes must be a positive integer",
				Status: http.StatusBadRequest,
			})
			return
		}
		maxBytes = min(n, s.cfg.LogTailBytes)
	}

	tail, err := s.engine.GetLogTail(
		c.Request.Context(), id, runID, maxBytes)
	if err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	c.JSON(http.StatusOK, api.LogTailResponse{RunID: runID, Tail: tail})
}

func (s *Server) getLiveTail(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	runID := api.RunID(c.Param("runID"))

	tail, ok := s.engine.GetRunningLogTail(c.Request.Context(), id, runID)
	if !ok {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  "no run in flight",
			Status: http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, api.LogTailResponse{RunID: runID, Tail: tail})
}

func (s *Server) getArtifact(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	name := c.Param("name")

	content, err := s.engine.GetArtifact(c.Request.Context(), id, name)
	if err == nil {
		c.JSON(http.StatusOK, api.ArtifactResponse{
			Name:    name,
			Content: content,
		})
		return
	}
	if errors.Is(err, store.ErrArtifactNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusNotFound,
		})
		return
	}
	s.missionError(c, id, err, ErrGetMission)
}

func (s *Server) saveArtifact(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	name := c.Param("name")

	var req api.SaveArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	err := s.engine.SaveArtifact(c.Request.Context(), id, name, req.Content)
	if err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	c.JSON(http.StatusOK, api.ArtifactResponse{
		Name:    name,
		Content: req.Content,
	})
}

func (s *Server) missionError(
	c *gin.Context, id api.MissionID, err, wrap error,
) {
	if errors.Is(err, store.ErrMissionNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %s", err.Error(), id),
			Status: http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, api.ErrorResponse{
		Error:  fmt.Sprintf("%s: %v", wrap, err),
		Status: http.StatusInternalServerError,
	})
}
