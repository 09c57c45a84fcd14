package service

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/webhook"
	"github.com/remiges-tech/loom/wscutils"
)

// errStatus maps a domain error to its HTTP status and error code.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrMissingService):
		return http.StatusBadRequest, wscutils.ErrcodeMissingService
	case errors.Is(err, jobs.ErrInvalidPayload):
		return http.StatusBadRequest, wscutils.ErrcodeInvalidPayload
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, wscutils.ErrcodeJobNotFound
	case errors.Is(err, jobs.ErrWorkerNotFound):
		return http.StatusNotFound, wscutils.ErrcodeWorkerNotFound
	case errors.Is(err, webhook.ErrWebhookNotFound):
		return http.StatusNotFound, wscutils.ErrcodeWebhookNotFound
	case errors.Is(err, jobs.ErrIllegalTransition):
		return http.StatusConflict, wscutils.ErrcodeIllegalTransition
	case errors.Is(err, jobs.ErrRetryNotPermitted):
		return http.StatusConflict, wscutils.ErrcodeRetryNotPermitted
	case errors.Is(err, jobs.ErrBackupExpired):
		return http.StatusGone, wscutils.ErrcodeBackupExpired
	}
	return http.StatusInternalServerError, wscutils.ErrcodeInternal
}

// sendError answers a domain error with the mapped status and the standard
// error envelope. Internal errors are logged; client errors are not.
func sendError(c *gin.Context, s *Service, err error) {
	status, errcode := errStatus(err)
	if status == http.StatusInternalServerError && s.Logger != nil {
		s.Logger.Error(err).LogActivity("Request failed", map[string]any{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		})
	}
	wscutils.SendErrorResponse(c, status, wscutils.NewErrorResponse(errcode))
}
