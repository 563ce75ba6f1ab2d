package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-analytics/internal/event"
	"github.com/richardliu001/order-analytics/internal/repo"
	"github.com/richardliu001/order-analytics/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func RegisterCommandHandlers(r gin.IRouter, svc *service.CommandService, log *zap.SugaredLogger) {
	r.POST("/products", createProductHandler(svc, log))
	r.PUT("/products/:productId", updateProductHandler(svc, log))
	r.POST("/orders", createOrderHandler(svc, log))
}

type createProductReq struct {
	Name     string           `json:"name" binding:"required"`
	Category string           `json:"category" binding:"required"`
	Price    *decimal.Decimal `json:"price" binding:"required"`
	Stock    *int64           `json:"stock" binding:"required"`
}

func createProductHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createProductReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing fields"})
			return
		}
		p, err := svc.CreateProduct(c.Request.Context(), service.NewProduct{
			Name: req.Name, Category: req.Category, Price: *req.Price, Stock: *req.Stock,
		})
		if err != nil {
			commandError(c, log, err, "Failed to create product")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"productId": p.ID})
	}
}

type updateProductReq struct {
	Name     *string          `json:"name"`
	Category *string          `json:"category"`
	Price    *decimal.Decimal `json:"price"`
	Stock    *int64           `json:"stock"`
}

func updateProductHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("productId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid productId"})
			return
		}
		var req updateProductReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := svc.UpdateProduct(c.Request.Context(), id, service.ProductPatch{
			Name: req.Name, Category: req.Category, Price: req.Price, Stock: req.Stock,
		})
		if err != nil {
			if errors.Is(err, service.ErrProductNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
				return
			}
			commandError(c, log, err, "Failed to update product")
			return
		}
		c.JSON(http.StatusOK, gin.H{"productId": p.ID})
	}
}

type orderLineReq struct {
	ProductID int64 `json:"productId" binding:"required"`
	Quantity  int64 `json:"quantity" binding:"required"`
}

type createOrderReq struct {
	CustomerID event.CustomerID `json:"customerId" binding:"required"`
	Items      []orderLineReq   `json:"items" binding:"required,min=1,dive"`
}

func createOrderHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order data"})
			return
		}
		lines := make([]service.OrderLine, 0, len(req.Items))
		for _, it := range req.Items {
			lines = append(lines, service.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		o, err := svc.CreateOrder(c.Request.Context(), string(req.CustomerID), lines)
		if err != nil {
			commandError(c, log, err, "Failed to create order")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"orderId": o.ID, "total": o.Total.InexactFloat64()})
	}
}

// commandError maps service errors to status codes; anything unexpected is a 500.
func commandError(c *gin.Context, log *zap.SugaredLogger, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrInvalidOrder),
		errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrOptimisticLock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Errorw(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
