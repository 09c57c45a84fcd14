// Package wscutils standardizes the request and response envelopes of the
// orchestration REST API: every handler answers with a Response carrying a
// status, a data payload and zero or more error messages.
package wscutils

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	SuccessStatus = "success"
	ErrorStatus   = "error"
)

// Request is the standard envelope of an incoming request body.
type Request struct {
	Data any `json:"data" binding:"required"`
}

// Response is the standard envelope of a web service response.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data"`
	Messages []ErrorMessage `json:"messages"`
}

// ErrorMessage is one element of the error part of the standard response.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   *string  `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

// errorTypes maps an error code to its message id. Deployments can replace
// the built-in table with LoadErrorTypes.
var errorTypes = map[string]int{
	ErrcodeUnknown:             100,
	ErrcodeInvalidJson:         101,
	ErrcodeValidation:          102,
	ErrcodeMissingService:      110,
	ErrcodeInvalidPayload:      111,
	ErrcodeJobNotFound:         120,
	ErrcodeWorkerNotFound:      121,
	ErrcodeWebhookNotFound:     122,
	ErrcodeIllegalTransition:   130,
	ErrcodeRetryNotPermitted:   131,
	ErrcodeBackupExpired:       132,
	ErrcodeTokenMissing:        140,
	ErrcodeTokenVerifyFailed:   141,
	ErrcodeInternal:            150,
	ErrcodeDeliveryAudit:       151,
	ErrcodeQueueSaturated:      152,
}

// LoadErrorTypes replaces the error code table from a YAML document of
// errcode-to-msgid pairs.
func LoadErrorTypes(r io.Reader) {
	byteValue, err := io.ReadAll(r)
	if err != nil {
		log.Fatalf("Failed to read error types: %v", err)
	}
	if err := yaml.Unmarshal(byteValue, &errorTypes); err != nil {
		log.Panic(err)
	}
}

// WscValidate validates a struct according to its validate tags and returns
// one ErrorMessage per violation. getVals supplies the request-specific
// values of each failed field; the framework cannot know them.
func WscValidate[T any](data T, getVals func(err validator.FieldError) []string) []ErrorMessage {
	var validationErrors []ErrorMessage

	validate := validator.New()
	err := validate.Struct(data)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, err := range validationErrs {
				vals := getVals(err)
				field := err.Field()
				vErr := BuildErrorMessage(err.Tag(), &field, vals...)
				validationErrors = append(validationErrors, vErr)
			}
		}
	}
	return validationErrors
}

// BuildErrorMessage creates an ErrorMessage for an error code, resolving the
// message id from the error type table. Unknown codes fall back to the
// "unknown" type.
func BuildErrorMessage(errcode string, fieldName *string, vals ...string) ErrorMessage {
	msgid, exists := errorTypes[errcode]
	if !exists {
		msgid = errorTypes[ErrcodeUnknown]
	}
	return ErrorMessage{
		MsgID:   msgid,
		ErrCode: errcode,
		Field:   fieldName,
		Vals:    vals,
	}
}

// NewResponse assembles a response envelope.
func NewResponse(status string, data any, messages []ErrorMessage) *Response {
	return &Response{
		Status:   status,
		Data:     data,
		Messages: messages,
	}
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data any) *Response {
	return NewResponse(SuccessStatus, data, nil)
}

// NewErrorResponse wraps a single error code in an error envelope.
func NewErrorResponse(errcode string) *Response {
	return NewResponse(ErrorStatus, nil, []ErrorMessage{BuildErrorMessage(errcode, nil)})
}

// BindJSON binds the request body onto data through the standard request
// envelope, answering 400 with an invalid_json message itself on failure.
func BindJSON(c *gin.Context, data any) error {
	req := Request{Data: data}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJsonError := BuildErrorMessage(ErrcodeInvalidJson, nil)
		c.JSON(http.StatusBadRequest, NewResponse(ErrorStatus, nil, []ErrorMessage{invalidJsonError}))
		return err
	}
	return nil
}

// SendSuccessResponse sends a JSON success response.
func SendSuccessResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusOK, response)
}

// SendErrorResponse sends a JSON error response with the given HTTP status.
func SendErrorResponse(c *gin.Context, status int, response *Response) {
	c.JSON(status, response)
}
