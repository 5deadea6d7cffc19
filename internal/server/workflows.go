package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
)

// getWorkflow resolves a workflow definition. Unknown IDs fall back to
// the default workflow
func (s *Server) getWorkflow(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	c.JSON(http.StatusOK, s.registry.Resolve(id))
}

// validateWorkflow checks a dynamically supplied workflow document and
// echoes the parsed definition when it is acceptable
func (s *Server) validateWorkflow(c *gin.Context) {
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	w, err := workflow.Parse(doc)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusUnprocessableEntity,
		})
		return
	}
	c.JSON(http.StatusOK, w)
}
