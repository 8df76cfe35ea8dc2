package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-executor/internal/adapter"
	"github.com/ksred/klear-executor/internal/config"
	"github.com/ksred/klear-executor/internal/engine"
	"github.com/ksred/klear-executor/internal/ledger"
	"github.com/ksred/klear-executor/pkg/response"
)

// respond writes data, or maps err onto the response envelope
func respond(c *gin.Context, data interface{}, err error) {
	if err == nil {
		response.Success(c, data)
		return
	}

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ledger.ErrIllegalTransition),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning):
		response.Conflict(c, err.Error())
	case errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, adapter.ErrUnknownAdapter):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ledger.ErrPersistence):
		response.Unavailable(c, err.Error())
	default:
		response.Unexpected(c, err)
	}
}
