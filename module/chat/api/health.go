package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports liveness together with a few gauges.
type Health struct {
	NodeID      int64
	Connections func() int
}

func (h Health) HandlerHealthz(c *gin.Context) {
	body := gin.H{"status": "ok", "node": h.NodeID}
	if h.Connections != nil {
		body["connections"] = h.Connections()
	}
	c.JSON(http.StatusOK, body)
}
