package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"api_tokensale/internal/sales"
)

// InitRoutes registers the purchase, sale-info and health endpoints on the
// given Gin engine.
func InitRoutes(e *gin.Engine, salesService *sales.Service, stream *SaleInfoBroadcaster, logger *zap.Logger) {
	salesHandler := NewSalesHandler(salesService, logger)

	e.Use(requestLogger(logger), gin.Recovery())

	e.POST("/purchases", salesHandler.handleCreatePurchase)
	e.PATCH("/purchases/:id", salesHandler.handlePatchPurchase)
	e.GET("/purchases", salesHandler.handleGetPurchases)

	e.GET("/sale-info", salesHandler.handleSaleInfo)
	if stream != nil {
		e.GET("/sale-info/stream", stream.Handle)
	}

	e.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
}
