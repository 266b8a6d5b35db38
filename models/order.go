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

var (
	ErrOrderNotFound = errors.New("order not found")
)

// shortage issues carry a fixed SLA; operators must resolve or write off
// within this window.
const shortageIssueSla = 48 * time.Hour

type Order struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	OrderNumber      string          `gorm:"index;size:50" json:"order_number"`
	SequenceNo       int64           `gorm:"index" json:"sequence_no"`
	CustomerName     string          `gorm:"size:255" json:"customer_name"`
	Status           OrderStatus     `gorm:"size:50;index;default:'pending'" json:"status"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	DiscountAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	ShippingAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_amount"`
	StockReleased    *bool           `gorm:"default:false" json:"stock_released"`
	GoodsOutPostedAt *time.Time      `json:"goods_out_posted_at"`
	CreatedBy        int             `json:"created_by"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	Items            []OrderItem     `gorm:"foreignKey:OrderId" json:"items"`
}

// OrderItem is one demand line. PurchaseUnitCost stays zero until goods
// physically leave; it is filled from the costing engine at shipment, not at
// order creation.
type OrderItem struct {
	ID               int             `gorm:"primary_key" json:"id"`
	OrderId          int             `gorm:"index;not null" json:"order_id"`
	ProductId        int             `gorm:"index;not null" json:"product_id"`
	Qty              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	PurchaseUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_unit_cost"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type OrderIssue struct {
	ID             int              `gorm:"primary_key" json:"id"`
	BusinessId     string           `gorm:"index;not null" json:"business_id"`
	OrderId        int              `gorm:"index;not null" json:"order_id"`
	IssueType      OrderIssueType   `gorm:"size:50;index" json:"issue_type"`
	Status         OrderIssueStatus `gorm:"size:50;index;default:'open'" json:"status"`
	Note           string           `gorm:"type:text" json:"note"`
	ResolutionNote string           `gorm:"type:text" json:"resolution_note"`
	DueAt          *time.Time       `json:"due_at"`
	ResolvedAt     *time.Time       `json:"resolved_at"`
	CreatedBy      int              `json:"created_by"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrder struct {
	CustomerName   string          `json:"customer_name"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	Items          []NewOrderItem  `json:"items" binding:"required"`
}

type NewOrderItem struct {
	ProductId int             `json:"product_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateOrder records demand only. No stock is committed here; allocation is
// a separate operator action.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if len(input.Items) == 0 {
		return nil, errors.New("order must have at least one item")
	}
	if input.DiscountAmount.IsNegative() || input.ShippingAmount.IsNegative() {
		return nil, errors.New("amounts must not be negative")
	}

	productIds := make([]int, 0, len(input.Items))
	for _, item := range input.Items {
		if !item.Qty.IsPositive() {
			return nil, errors.New("item qty must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return nil, errors.New("unit price must not be negative")
		}
		productIds = append(productIds, item.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](ctx, businessId, productIds); err != nil {
		return nil, err
	}

	seqNo, err := utils.GetSequence[Order](ctx, businessId)
	if err != nil {
		return nil, err
	}

	items := make([]OrderItem, 0, len(input.Items))
	subtotal := decimal.Zero
	for _, item := range input.Items {
		items = append(items, OrderItem{
			ProductId: item.ProductId,
			Qty:       item.Qty,
			UnitPrice: item.UnitPrice,
		})
		subtotal = subtotal.Add(item.Qty.Mul(item.UnitPrice))
	}
	if input.DiscountAmount.GreaterThan(subtotal) {
		return nil, errors.New("discount exceeds subtotal")
	}

	order := Order{
		BusinessId:     businessId,
		OrderNumber:    fmt.Sprintf("ORD-%d", seqNo),
		SequenceNo:     seqNo,
		CustomerName:   input.CustomerName,
		Status:         OrderStatusPending,
		TotalAmount:    subtotal.Sub(input.DiscountAmount).Add(input.ShippingAmount),
		DiscountAmount: input.DiscountAmount,
		ShippingAmount: input.ShippingAmount,
		StockReleased:  utils.NewFalse(),
		CreatedBy:      userId,
		Items:          items,
	}
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	order, err := utils.FetchModel[Order](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// lockOrder loads an order (with items) under FOR UPDATE. Lock acquisition
// across the engine always starts here: Order first, then Product, then
// Allocation, OrderItem, Backorder.
func lockOrder(tx *gorm.DB, businessId string, orderId int) (*Order, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, orderId).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if err := tx.Where("order_id = ?", order.ID).Order("id asc").
		Find(&order.Items).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// ChangeOrderStatus applies an ordinary allow-listed transition. Shipping is
// excluded here because it posts goods-out accounting; use MarkOrderShipped.
func ChangeOrderStatus(ctx context.Context, orderId int, next OrderStatus, note string) (*Order, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	role, _ := utils.GetUserRoleFromContext(ctx)

	if next == OrderStatusShipped {
		return nil, errors.New("shipping must go through the ship operation")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	order, err := lockOrder(tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	previous := order.Status

	if !CanTransitionOrderStatus(previous, next, UserRole(role)) {
		tx.Rollback()
		return nil, fmt.Errorf("transition %s -> %s not allowed", previous, next)
	}

	switch {
	case next == OrderStatusHold:
		if err := openShortageIssue(tx, businessId, order.ID, userId, note); err != nil {
			tx.Rollback()
			return nil, err
		}
	case previous == OrderStatusHold:
		if note == "" {
			tx.Rollback()
			return nil, errors.New("leaving hold requires a resolution note")
		}
		if err := resolveOrderIssues(tx, businessId, order.ID, note); err != nil {
			tx.Rollback()
			return nil, err
		}
	case next == OrderStatusCanceled:
		if err := releaseOrderStock(tx, order); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Model(order).Updates(map[string]interface{}{
		"Status": next,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EmitOrderStatusChanged(tx, businessId, order.ID, previous, next); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	order.Status = next
	return order, nil
}

type ShipOrderInput struct {
	InvoiceTotal decimal.Decimal `json:"invoice_total" binding:"required"`
	Note         string          `json:"note"`
}

// MarkOrderShipped moves an order into shipped and recognizes the physical
// departure financially: revenue from the opaque invoice total, COGS from
// the costing engine. GoodsOutPostedAt guarantees the posting happens at
// most once even if shipping is retried.
func MarkOrderShipped(ctx context.Context, orderId int, input *ShipOrderInput) (*Order, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	role, _ := utils.GetUserRoleFromContext(ctx)

	if input.InvoiceTotal.IsNegative() {
		return nil, errors.New("invoice total must not be negative")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	order, err := lockOrder(tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	previous := order.Status

	if !CanTransitionOrderStatus(previous, OrderStatusShipped, UserRole(role)) {
		tx.Rollback()
		return nil, fmt.Errorf("transition %s -> %s not allowed", previous, OrderStatusShipped)
	}
	if previous == OrderStatusHold {
		if input.Note == "" {
			tx.Rollback()
			return nil, errors.New("leaving hold requires a resolution note")
		}
		if err := resolveOrderIssues(tx, businessId, order.ID, input.Note); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := PostGoodsOut(tx, logger, order, input.InvoiceTotal, userId); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Model(order).Updates(map[string]interface{}{
		"Status": OrderStatusShipped,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EmitOrderStatusChanged(tx, businessId, order.ID, previous, OrderStatusShipped); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	order.Status = OrderStatusShipped
	return order, nil
}

// releaseOrderStock returns every active allocation to the available pool.
// The StockReleased flag makes this idempotent; quantities are never given
// back twice.
func releaseOrderStock(tx *gorm.DB, order *Order) error {
	if order.StockReleased != nil && *order.StockReleased {
		return nil
	}

	var allocations []OrderAllocation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", order.ID, AllocationStatusActive).
		Order("id asc").Find(&allocations).Error; err != nil {
		return err
	}

	for i := range allocations {
		allocation := &allocations[i]
		if allocation.AllocatedQty.IsPositive() {
			product, err := lockProduct(tx, order.BusinessId, allocation.ProductId)
			if err != nil {
				return err
			}
			allocatedNew := product.AllocatedQuantity.Sub(allocation.AllocatedQty)
			if allocatedNew.IsNegative() {
				allocatedNew = decimal.Zero
			}
			if err := tx.Model(product).Updates(map[string]interface{}{
				"StockQuantity":     product.StockQuantity.Add(allocation.AllocatedQty),
				"AllocatedQuantity": allocatedNew,
			}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(allocation).Updates(map[string]interface{}{
			"Status": AllocationStatusReleased,
		}).Error; err != nil {
			return err
		}
	}

	return tx.Model(order).Updates(map[string]interface{}{
		"StockReleased": utils.NewTrue(),
	}).Error
}

// openShortageIssue creates or refreshes the order's open shortage issue
// with a fresh SLA due time.
func openShortageIssue(tx *gorm.DB, businessId string, orderId int, userId int, note string) error {
	dueAt := time.Now().Add(shortageIssueSla)

	var issue OrderIssue
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND order_id = ? AND issue_type = ? AND status = ?",
			businessId, orderId, OrderIssueTypeShortage, OrderIssueStatusOpen).
		First(&issue).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		issue = OrderIssue{
			BusinessId: businessId,
			OrderId:    orderId,
			IssueType:  OrderIssueTypeShortage,
			Status:     OrderIssueStatusOpen,
			Note:       note,
			DueAt:      &dueAt,
			CreatedBy:  userId,
		}
		return tx.Create(&issue).Error
	}

	return tx.Model(&issue).Updates(map[string]interface{}{
		"Note":  note,
		"DueAt": dueAt,
	}).Error
}

// resolveOrderIssues closes every open issue on the order with the supplied
// resolution note.
func resolveOrderIssues(tx *gorm.DB, businessId string, orderId int, note string) error {
	now := time.Now()
	return tx.Model(&OrderIssue{}).
		Where("business_id = ? AND order_id = ? AND status = ?",
			businessId, orderId, OrderIssueStatusOpen).
		Updates(map[string]interface{}{
			"Status":         OrderIssueStatusResolved,
			"ResolutionNote": note,
			"ResolvedAt":     now,
		}).Error
}
