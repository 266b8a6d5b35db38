package models_test

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

func TestPeriodLock_BlocksOrdinaryAllowsAdjustment(t *testing.T) {
	ctx := setupIntegration(t)

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	sysAccounts, err := models.GetSystemAccounts(businessId)
	if err != nil {
		t.Fatalf("GetSystemAccounts: %v", err)
	}

	now := time.Now()
	if _, err := models.ClosePeriod(ctx, int(now.Month()), now.Year()); err != nil {
		t.Fatalf("ClosePeriod: %v", err)
	}

	input := &models.NewJournal{
		Description:   "manual entry",
		ReferenceType: models.ReferenceTypeJournal,
		Lines: []models.NewJournalLine{
			{AccountId: sysAccounts[models.AccountCodeCash], Debit: decimal.NewFromInt(100)},
			{AccountId: sysAccounts[models.AccountCodeSales], Credit: decimal.NewFromInt(100)},
		},
	}
	if _, err := models.CreateJournalEntry(ctx, input); !errors.Is(err, models.ErrPeriodClosed) {
		t.Fatalf("got %v, want ErrPeriodClosed", err)
	}

	adjustment, err := models.CreateAdjustmentJournalEntry(ctx, input)
	if err != nil {
		t.Fatalf("adjustment into closed period must post: %v", err)
	}
	if adjustment.IsAdjustment == nil || !*adjustment.IsAdjustment {
		t.Fatal("adjustment journal must be flagged")
	}

	// Reopen and the ordinary path works again.
	if _, err := models.ReopenPeriod(ctx, int(now.Month()), now.Year()); err != nil {
		t.Fatalf("ReopenPeriod: %v", err)
	}
	if _, err := models.CreateJournalEntry(ctx, input); err != nil {
		t.Fatalf("entry after reopen: %v", err)
	}
}

func TestGoodsOut_PostsAtMostOnce(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()
	logger := config.GetLogger()

	product := createTestProduct(t, ctx, "WIDGET-4", 500)
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		ShippingAmount: decimal.NewFromInt(100),
		Items: []models.NewOrderItem{
			{ProductId: product.ID, Qty: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(10)},
	}); err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	if _, err := models.ChangeOrderStatus(ctx, order.ID, models.OrderStatusReadyToShip, ""); err != nil {
		t.Fatalf("ChangeOrderStatus: %v", err)
	}

	order, err = models.MarkOrderShipped(ctx, order.ID, &models.ShipOrderInput{
		InvoiceTotal: decimal.NewFromInt(5100),
	})
	if err != nil {
		t.Fatalf("MarkOrderShipped: %v", err)
	}
	if order.Status != models.OrderStatusShipped {
		t.Fatalf("got status %s, want shipped", order.Status)
	}

	var journalCount int64
	if err := db.Model(&models.Journal{}).
		Where("reference_type = ? AND reference_id = ?", models.ReferenceTypeOrder, order.ID).
		Count(&journalCount).Error; err != nil {
		t.Fatalf("journal count: %v", err)
	}
	if journalCount != 2 {
		t.Fatalf("got %d journals, want revenue + COGS", journalCount)
	}

	var item models.OrderItem
	if err := db.Where("order_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("item reload: %v", err)
	}
	if !item.PurchaseUnitCost.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("got purchase unit cost %s, want average 100", item.PurchaseUnitCost)
	}

	// Replaying the posting must be a no-op.
	reloaded, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	tx := db.Begin()
	if err := models.PostGoodsOut(tx, logger, reloaded, decimal.NewFromInt(5100), 1); err != nil {
		tx.Rollback()
		t.Fatalf("replayed PostGoodsOut: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Model(&models.Journal{}).
		Where("reference_type = ? AND reference_id = ?", models.ReferenceTypeOrder, order.ID).
		Count(&journalCount).Error; err != nil {
		t.Fatalf("journal recount: %v", err)
	}
	if journalCount != 2 {
		t.Fatalf("goods-out posted twice: %d journals", journalCount)
	}
}
