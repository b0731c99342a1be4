package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is the envelope of every REST reply. Exactly one of Data and
// Error is meaningful.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody is a machine-readable code, its message and, for validation
// failures, the offending fields.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata ties a reply to its request for tracing.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success replies with data.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, envelope(c, data, nil))
}

// Fail replies with an error code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, envelope(c, nil, errorBody(code, nil)))
}

// FailWithFields replies with an error code and per-field details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, envelope(c, nil, errorBody(code, fields)))
}

// FailError replies with the status and code mapped from a domain error.
func FailError(c *gin.Context, err error) {
	status, code := FromError(err)
	Fail(c, status, code)
}

// AbortFail stops the handler chain and replies with an error code.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, envelope(c, nil, errorBody(code, nil)))
}

func errorBody(code ErrCode, fields map[string]string) *ErrorBody {
	if len(fields) == 0 {
		fields = nil
	}
	return &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}
}

func envelope(c *gin.Context, data interface{}, errBody *ErrorBody) Response {
	id := RequestID(c)
	if id == "" {
		// Routes mounted without RequestIDMiddleware still get a traceable ID.
		id = uuid.NewString()
	}
	return Response{
		Data:  data,
		Error: errBody,
		Metadata: Metadata{
			RequestID: id,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}
