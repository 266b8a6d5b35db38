package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	godotenv.Load()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if os.Getenv("AUTO_MIGRATE") == "1" {
		if err := models.MigrateTable(); err != nil {
			logger.WithError(err).Fatal("migration failed")
		}
	}

	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	go workflow.RunOutboxDispatcher(dispatchCtx, logger, 5*time.Second)

	router := buildRouter()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()
	logger.WithField("port", port).Info("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopDispatcher()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("forced shutdown")
	}
}

func buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"X-Business-Id", "X-User-Id", "X-User-Role", "X-Correlation-Id")
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", businessContext())
	{
		api.POST("/orders", createOrder)
		api.GET("/orders/:id", getOrder)
		api.POST("/orders/:id/allocate", allocateOrder)
		api.POST("/orders/:id/cancel-backorder", cancelBackorder)
		api.POST("/orders/:id/status", changeOrderStatus)
		api.POST("/orders/:id/ship", shipOrder)
		api.POST("/products", createProduct)
		api.POST("/products/:id/receive", receiveStock)
		api.POST("/products/:id/adjust", adjustStock)
		api.POST("/journals", createJournal)
		api.POST("/journals/adjustment", createAdjustmentJournal)
		api.POST("/journals/:id/reverse", reverseJournal)
		api.POST("/periods/close", closePeriod)
		api.POST("/periods/reopen", reopenPeriod)
	}
	return router
}

// businessContext seeds the request context from headers. Authentication is
// an upstream concern; this service trusts the gateway-provided identity.
func businessContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.GetHeader("X-Business-Id")
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-Business-Id header is required"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if userId, err := strconv.Atoi(c.GetHeader("X-User-Id")); err == nil {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		if role := c.GetHeader("X-User-Role"); role != "" {
			ctx = utils.SetUserRoleInContext(ctx, role)
		}
		correlationId := c.GetHeader("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		ctx, span := otel.Tracer("orders_backend").Start(ctx, c.Request.Method+" "+c.FullPath(),
			trace.WithAttributes(
				attribute.String("business.id", businessId),
				attribute.String("correlation.id", correlationId),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	var insufficientStock *models.InsufficientStockError
	switch {
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, utils.ErrorRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrPeriodClosed):
		status = http.StatusConflict
	case errors.As(err, &insufficientStock):
		c.JSON(http.StatusConflict, gin.H{
			"error":     err.Error(),
			"shortfall": insufficientStock.Shortfall,
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func createOrder(c *gin.Context) {
	var input models.NewOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.CreateOrder(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func getOrder(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	order, err := models.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func allocateOrder(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Items []models.AllocationRequest `json:"items" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	summary, err := models.AllocateOrder(c.Request.Context(), id, input.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func cancelBackorder(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.CancelBackorder(c.Request.Context(), id, input.Reason)
	if err != nil {
		if errors.Is(err, models.ErrNoShortage) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func changeOrderStatus(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Status models.OrderStatus `json:"status" binding:"required"`
		Note   string             `json:"note"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.ChangeOrderStatus(c.Request.Context(), id, input.Status, input.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func shipOrder(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.ShipOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := models.MarkOrderShipped(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func createProduct(c *gin.Context) {
	var product models.Product
	if err := c.ShouldBindJSON(&product); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := models.CreateProduct(c.Request.Context(), &product)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func receiveStock(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewStockReceipt
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := models.ReceiveStock(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func adjustStock(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewStockAdjustment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adjustment, err := models.AdjustStock(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, adjustment)
}

func createJournal(c *gin.Context) {
	var input models.NewJournal
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	journal, err := models.CreateJournalEntry(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, journal)
}

func createAdjustmentJournal(c *gin.Context) {
	var input models.NewJournal
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	journal, err := models.CreateAdjustmentJournalEntry(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, journal)
}

func reverseJournal(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	journal, err := models.ReverseJournal(c.Request.Context(), id, input.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, journal)
}

func closePeriod(c *gin.Context) {
	var input struct {
		Month int `json:"month" binding:"required"`
		Year  int `json:"year" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var period *models.AccountingPeriod
	err := workflow.WithPostingLock(ctx, businessId, 10, func(ctx context.Context) error {
		var e error
		period, e = models.ClosePeriod(ctx, input.Month, input.Year)
		return e
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, period)
}

func reopenPeriod(c *gin.Context) {
	var input struct {
		Month int `json:"month" binding:"required"`
		Year  int `json:"year" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	var period *models.AccountingPeriod
	err := workflow.WithPostingLock(ctx, businessId, 10, func(ctx context.Context) error {
		var e error
		period, e = models.ReopenPeriod(ctx, input.Month, input.Year)
		return e
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, period)
}
