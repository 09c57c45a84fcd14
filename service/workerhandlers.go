package service

import (
	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/loom/wscutils"
)

// handleListWorkers lists every worker record, offline included.
func handleListWorkers(c *gin.Context, s *Service) {
	workers, err := s.Store.ListWorkers(c.Request.Context())
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"workers": workers, "count": len(workers)}))
}

// handleStats returns the monitoring counter snapshot.
func handleStats(c *gin.Context, s *Service) {
	stats, err := s.Store.CollectStats(c.Request.Context())
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(stats))
}
