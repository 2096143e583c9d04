package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the wire shape for every error response. Clients switch on
// the message value, so known failures must surface their reason code
// verbatim (badMimeType, invalidPdfFile, existingRelativeTasks).
type ErrorBody struct {
	Message string `json:"message"`
}

func RespondError(c *gin.Context, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorBody{Message: msg})
}

func RespondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorBody{Message: message})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
