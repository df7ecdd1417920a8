package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deepchat/internal/platform/mysql"
	"deepchat/internal/repository"
	"deepchat/internal/transport/http/response"
)

// AdminHandler owns the store maintenance endpoint: reset the pool, probe
// connectivity, ensure the schema. Idempotent, safe on every cold start.
type AdminHandler struct {
	pool *mysql.Pool
}

func NewAdminHandler(pool *mysql.Pool) *AdminHandler {
	return &AdminHandler{pool: pool}
}

func (h *AdminHandler) InitStore(c *gin.Context) {
	ctx := c.Request.Context()

	h.pool.Reset()
	if !h.pool.Healthy(ctx) {
		response.Error(c, http.StatusInternalServerError, "store connection test failed")
		return
	}
	if err := repository.EnsureSchema(ctx, h.pool); err != nil {
		response.Error(c, http.StatusInternalServerError, "create tables failed")
		return
	}
	response.OK(c, gin.H{"message": "store initialized"})
}
