package wscutils

// Error codes answered by the orchestration API.
const (
	ErrcodeUnknown           = "unknown"
	ErrcodeInvalidJson       = "invalid_json"
	ErrcodeValidation        = "validation_failed"
	ErrcodeMissingService    = "missing_service"
	ErrcodeInvalidPayload    = "invalid_payload"
	ErrcodeJobNotFound       = "job_not_found"
	ErrcodeWorkerNotFound    = "worker_not_found"
	ErrcodeWebhookNotFound   = "webhook_not_found"
	ErrcodeIllegalTransition = "illegal_transition"
	ErrcodeRetryNotPermitted = "retry_not_permitted"
	ErrcodeBackupExpired     = "backup_expired"
	ErrcodeTokenMissing      = "token_missing"
	ErrcodeTokenVerifyFailed = "token_verification_failed"
	ErrcodeInternal          = "internal"
	ErrcodeDeliveryAudit     = "delivery_audit_unavailable"
	ErrcodeQueueSaturated    = "queue_saturated"
)
