// Package response writes the platform's JSON envelope: {"success", "data", "error"}.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. internal/api decodes the same shape.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// JSON writes a success envelope with the given status.
func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Body{Success: true, Data: data})
}

// Fail writes an error envelope and aborts the handler chain.
func Fail(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, Body{Success: false, Error: err})
}

func OK(c *gin.Context, data interface{})      { JSON(c, http.StatusOK, data) }
func Created(c *gin.Context, data interface{}) { JSON(c, http.StatusCreated, data) }

func BadRequest(c *gin.Context, err string)         { Fail(c, http.StatusBadRequest, err) }
func Unauthorized(c *gin.Context, err string)       { Fail(c, http.StatusUnauthorized, err) }
func Forbidden(c *gin.Context, err string)          { Fail(c, http.StatusForbidden, err) }
func NotFound(c *gin.Context, err string)           { Fail(c, http.StatusNotFound, err) }
func Conflict(c *gin.Context, err string)           { Fail(c, http.StatusConflict, err) }
func TooLarge(c *gin.Context, err string)           { Fail(c, http.StatusRequestEntityTooLarge, err) }
func Internal(c *gin.Context, err string)           { Fail(c, http.StatusInternalServerError, err) }
func BadGateway(c *gin.Context, err string)         { Fail(c, http.StatusBadGateway, err) }
func ServiceUnavailable(c *gin.Context, err string) { Fail(c, http.StatusServiceUnavailable, err) }
