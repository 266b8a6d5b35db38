package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Product splits physical units into an available pool (StockQuantity) and a
// reserved pool (AllocatedQuantity). Both are always >= 0; only the
// allocation engine and receiving/adjustment operations move units between
// them.
type Product struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null" json:"business_id"`
	Name              string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku               string          `gorm:"index;size:100" json:"sku"`
	StockQuantity     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_quantity"`
	AllocatedQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated_quantity"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	StandardCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"standard_cost"`
	IsActive          *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockReceipt struct {
	Qty      decimal.Decimal `json:"qty" binding:"required"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Note     string          `json:"note"`
}

type NewStockAdjustment struct {
	QtyDiff decimal.Decimal `json:"qty_diff" binding:"required"`
	Reason  string          `json:"reason" binding:"required"`
}

// StockReceipt anchors the cost-ledger and journal reference for each
// receiving event.
type StockReceipt struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Note       string          `gorm:"type:text" json:"note"`
	CreatedBy  int             `json:"created_by"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// StockAdjustment records a physical count correction.
type StockAdjustment struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	QtyDiff    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_diff"`
	Reason     string          `gorm:"type:text" json:"reason"`
	CreatedBy  int             `json:"created_by"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func CreateProduct(ctx context.Context, product *Product) (*Product, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	product.BusinessId = businessId

	if err := utils.ValidateStruct(*product); err != nil {
		return nil, err
	}
	if product.StockQuantity.IsNegative() || product.AllocatedQuantity.IsNegative() {
		return nil, errors.New("stock quantities must not be negative")
	}
	if err := db.WithContext(ctx).Create(product).Error; err != nil {
		return nil, err
	}
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id)
}

func GetProducts(ctx context.Context) ([]*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Product](ctx, businessId)
}

// lockProduct loads a product under FOR UPDATE within tx.
func lockProduct(tx *gorm.DB, businessId string, productId int) (*Product, error) {
	var product Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, productId).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}

// ReceiveStock books incoming units: available stock up, moving average
// reblended, inventory journal posted (Dr Inventory / Cr Cash). The FIFO
// backorder sweep only runs when AUTO_ALLOCATE_ON_RECEIPT is enabled;
// by default receiving never auto-allocates so administrators keep control
// over fulfillment priority.
func ReceiveStock(ctx context.Context, productId int, input *NewStockReceipt) (*StockReceipt, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if !input.Qty.IsPositive() {
		return nil, errors.New("receipt qty must be positive")
	}
	if input.UnitCost.IsNegative() {
		return nil, errors.New("unit cost must not be negative")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	product, err := lockProduct(tx, businessId, productId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	receipt := StockReceipt{
		BusinessId: businessId,
		ProductId:  product.ID,
		Qty:        input.Qty,
		UnitCost:   input.UnitCost,
		Note:       input.Note,
		CreatedBy:  userId,
	}
	if err := tx.Create(&receipt).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Model(product).Updates(map[string]interface{}{
		"StockQuantity": product.StockQuantity.Add(input.Qty),
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	movement, err := RecordInboundCost(tx, businessId, product.ID, input.Qty, input.UnitCost,
		ReferenceTypePurchaseReceipt, receipt.ID, input.Note)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := postInventoryReceiptJournal(tx, businessId, userId, product, &receipt, movement); err != nil {
		tx.Rollback()
		return nil, err
	}

	if config.AutoAllocateOnReceipt() {
		if err := AutoAllocateBackordersForProduct(tx, logger, businessId, product.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

// postInventoryReceiptJournal posts Dr Inventory / Cr Cash for a receipt.
// Skipped when the system accounts are missing or the movement has no value;
// an unbalanced or partial posting is never attempted.
func postInventoryReceiptJournal(tx *gorm.DB, businessId string, userId int, product *Product, receipt *StockReceipt, movement *CostMovement) error {
	if movement.TotalCost.IsZero() {
		return nil
	}
	sysAccounts, err := GetSystemAccounts(businessId)
	if err != nil {
		return err
	}
	invAccount, hasInv := sysAccounts[AccountCodeInventoryAsset]
	cashAccount, hasCash := sysAccounts[AccountCodeCash]
	if !hasInv || !hasCash {
		config.LogWarn(config.GetLogger(), "product.go", "postInventoryReceiptJournal",
			"system accounts missing", map[string]interface{}{"business_id": businessId},
			"skipping inventory receipt posting")
		return nil
	}

	desc := fmt.Sprintf("Stock receipt #%d - %s", receipt.ID, product.Name)
	_, err = createJournalInTx(tx, businessId, userId, &NewJournal{
		Description:   desc,
		ReferenceType: ReferenceTypePurchaseReceipt,
		ReferenceId:   receipt.ID,
		Lines: []NewJournalLine{
			{AccountId: invAccount, Description: desc, Debit: movement.TotalCost},
			{AccountId: cashAccount, Description: desc, Credit: movement.TotalCost},
		},
	}, false)
	return err
}

// AdjustStock books a physical count correction against the available pool.
// Negative diffs may not dig into allocated stock; the gain/loss is posted
// against the inventory gain-loss account at the existing average cost.
func AdjustStock(ctx context.Context, productId int, input *NewStockAdjustment) (*StockAdjustment, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if input.QtyDiff.IsZero() {
		return nil, errors.New("adjustment qty must not be zero")
	}
	if input.Reason == "" {
		return nil, errors.New("adjustment reason is required")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	product, err := lockProduct(tx, businessId, productId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	stockNew := product.StockQuantity.Add(input.QtyDiff)
	if stockNew.IsNegative() {
		tx.Rollback()
		return nil, errors.New("adjustment exceeds available stock")
	}

	adjustment := StockAdjustment{
		BusinessId: businessId,
		ProductId:  product.ID,
		QtyDiff:    input.QtyDiff,
		Reason:     input.Reason,
		CreatedBy:  userId,
	}
	if err := tx.Create(&adjustment).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Model(product).Updates(map[string]interface{}{
		"StockQuantity": stockNew,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	movement, err := RecordCostAdjustment(tx, businessId, product.ID, input.QtyDiff,
		ReferenceTypeStockAdjustment, adjustment.ID, input.Reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := postStockAdjustmentJournal(tx, businessId, userId, product, &adjustment, movement, input.QtyDiff.IsPositive()); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &adjustment, nil
}

// postStockAdjustmentJournal posts Dr Inventory / Cr Gain-Loss for gains and
// the mirror for losses.
func postStockAdjustmentJournal(tx *gorm.DB, businessId string, userId int, product *Product, adjustment *StockAdjustment, movement *CostMovement, isGain bool) error {
	if movement.TotalCost.IsZero() {
		return nil
	}
	sysAccounts, err := GetSystemAccounts(businessId)
	if err != nil {
		return err
	}
	invAccount, hasInv := sysAccounts[AccountCodeInventoryAsset]
	glAccount, hasGl := sysAccounts[AccountCodeInventoryGainLoss]
	if !hasInv || !hasGl {
		config.LogWarn(config.GetLogger(), "product.go", "postStockAdjustmentJournal",
			"system accounts missing", map[string]interface{}{"business_id": businessId},
			"skipping stock adjustment posting")
		return nil
	}

	desc := fmt.Sprintf("Stock adjustment #%d - %s", adjustment.ID, product.Name)
	lines := []NewJournalLine{
		{AccountId: invAccount, Description: desc, Debit: movement.TotalCost},
		{AccountId: glAccount, Description: desc, Credit: movement.TotalCost},
	}
	if !isGain {
		lines = []NewJournalLine{
			{AccountId: glAccount, Description: desc, Debit: movement.TotalCost},
			{AccountId: invAccount, Description: desc, Credit: movement.TotalCost},
		}
	}
	_, err = createJournalInTx(tx, businessId, userId, &NewJournal{
		Description:   desc,
		ReferenceType: ReferenceTypeStockAdjustment,
		ReferenceId:   adjustment.ID,
		Lines:         lines,
	}, false)
	return err
}
