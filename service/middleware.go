package service

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/loom/metrics"
)

// countRequests counts every API request by method, route template and
// response status.
func countRequests(m metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordWithLabels(metrics.HTTPRequestsTotal, 1, map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		})
	}
}
