package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/pkg/api"
)

// handleMissionEvents streams the mission's live events over SSE
func (s *Server) handleMissionEvents(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	if _, err := s.engine.GetMission(c.Request.Context(), id); err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	s.streamEvents(c, string(id))
}

// handleRunEvents streams one run's live events over SSE
func (s *Server) handleRunEvents(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	if _, err := s.engine.GetMission(c.Request.Context(), id); err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}
	s.streamEvents(c, c.Param("runID"))
}

func (s *Server) streamEvents(c *gin.Context, key string) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	sink := broadcast.NewSSESink(c.Writer, c.Writer.Flush)
	s.broadcaster.AddClient(key, sink)

	select {
	case <-c.Request.Context().Done():
		sink.Close()
	case <-sink.Done():
	case <-s.stop:
		sink.Close()
	}
}
