package service

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/remiges-tech/loom/jobs"
	"github.com/remiges-tech/loom/wscutils"
)

// handleSubmitJob accepts a job submission and places it on the pending
// index.
func handleSubmitJob(c *gin.Context, s *Service) {
	var spec jobs.JobSpec
	if err := wscutils.BindJSON(c, &spec); err != nil {
		return
	}
	if msgs := wscutils.WscValidate(spec, func(err validator.FieldError) []string { return nil }); len(msgs) > 0 {
		wscutils.SendErrorResponse(c, http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, msgs))
		return
	}

	if s.Config != nil && s.Config.MaxPendingJobs > 0 {
		depth, err := s.Store.PendingCount(c.Request.Context())
		if err != nil {
			sendError(c, s, err)
			return
		}
		if depth >= s.Config.MaxPendingJobs {
			wscutils.SendErrorResponse(c, http.StatusTooManyRequests,
				wscutils.NewErrorResponse(wscutils.ErrcodeQueueSaturated))
			return
		}
	}

	job, err := s.Submitter.Submit(c.Request.Context(), &spec)
	if err != nil {
		sendError(c, s, err)
		return
	}
	c.JSON(http.StatusCreated, wscutils.NewSuccessResponse(job))
}

// handleListJobs lists jobs, optionally filtered by status.
func handleListJobs(c *gin.Context, s *Service) {
	status := jobs.JobStatus(c.Query("status"))
	limit := queryInt(c, "limit", 100)

	list, err := s.Store.ListJobs(c.Request.Context(), status, int64(limit))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"jobs": list, "count": len(list)}))
}

func handleGetJob(c *gin.Context, s *Service) {
	job, err := s.Store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(job))
}

// handleJobForensics returns the full forensic report of a job: its record,
// attestations, retry backups and progress history.
func handleJobForensics(c *gin.Context, s *Service) {
	report, err := s.Store.Investigate(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(report))
}

func handleRetryJob(c *gin.Context, s *Service) {
	job, err := s.Submitter.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(job))
}

func handleCancelJob(c *gin.Context, s *Service) {
	job, err := s.Submitter.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(job))
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
