// Package handler exposes the operational HTTP surface: health probes and
// the sync/credit diagnostics endpoints.
package handler

import "github.com/gin-gonic/gin"

// SuccessResponse wraps response data in the standard envelope.
func SuccessResponse(data any) gin.H {
	return gin.H{
		"success": true,
		"data":    data,
	}
}

// ErrorResponse builds the standard error envelope.
func ErrorResponse(code, message string) gin.H {
	return gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
