package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      int(CodeSuccess),
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse writes err with its business code under the given HTTP status.
func ErrorResponse(c *gin.Context, httpCode int, err error, data interface{}) {
	c.JSON(httpCode, Response{
		Code:      int(GetErrorCode(err)),
		Message:   GetErrorMessage(err),
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}
