package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNoShortage = errors.New("order has no unmet shortage")

// InsufficientStockError reports how many units were missing so the caller
// can retry with an achievable quantity.
type InsufficientStockError struct {
	ProductId int
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %s, available %s (short %s)",
		e.ProductId, e.Requested.String(), e.Available.String(), e.Shortfall.String())
}

// OrderAllocation is the authoritative per (order, product) commitment. It
// is not split by order item; redistribution across items happens in memory.
type OrderAllocation struct {
	ID           int              `gorm:"primary_key" json:"id"`
	BusinessId   string           `gorm:"index;not null" json:"business_id"`
	OrderId      int              `gorm:"index:idx_alloc_order_product,unique;not null" json:"order_id"`
	ProductId    int              `gorm:"index:idx_alloc_order_product,unique;not null" json:"product_id"`
	AllocatedQty decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"allocated_qty"`
	Status       AllocationStatus `gorm:"size:50;default:'active'" json:"status"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// Backorder tracks one order item's unmet demand until stock arrives or an
// operator writes the shortfall off.
type Backorder struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"index;not null" json:"business_id"`
	OrderId     int             `gorm:"index;not null" json:"order_id"`
	OrderItemId int             `gorm:"uniqueIndex;not null" json:"order_item_id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	QtyPending  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_pending"`
	Status      BackorderStatus `gorm:"size:50;index;default:'waiting_stock'" json:"status"`
	Notes       string          `gorm:"type:text" json:"notes"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type AllocationRequest struct {
	ProductId int             `json:"product_id" binding:"required"`
	Qty       decimal.Decimal `json:"qty"`
}

type BackorderShortage struct {
	ProductId   int             `json:"product_id"`
	OrderItemId int             `json:"order_item_id"`
	Qty         decimal.Decimal `json:"qty"`
}

type AllocationSummary struct {
	Result         AllocationResult    `json:"result"`
	AllocatedTotal decimal.Decimal     `json:"allocated_total"`
	Backorders     []BackorderShortage `json:"backorders"`
}

// lockAllocation get-or-creates the (order, product) allocation row under
// FOR UPDATE. New rows start at zero so delta math works uniformly.
func lockAllocation(tx *gorm.DB, businessId string, orderId int, productId int) (*OrderAllocation, error) {
	allocation := OrderAllocation{
		BusinessId: businessId,
		OrderId:    orderId,
		ProductId:  productId,
		Status:     AllocationStatusActive,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND order_id = ? AND product_id = ?", businessId, orderId, productId).
		FirstOrCreate(&allocation)
	if result.Error != nil {
		return nil, result.Error
	}
	return &allocation, nil
}

func loadAllocatedByProduct(tx *gorm.DB, orderId int) (map[int]decimal.Decimal, error) {
	var allocations []OrderAllocation
	if err := tx.Where("order_id = ? AND status = ?", orderId, AllocationStatusActive).
		Order("id asc").Find(&allocations).Error; err != nil {
		return nil, err
	}
	byProduct := make(map[int]decimal.Decimal, len(allocations))
	for _, a := range allocations {
		byProduct[a.ProductId] = byProduct[a.ProductId].Add(a.AllocatedQty)
	}
	return byProduct, nil
}

func itemDemands(items []OrderItem) []ItemDemand {
	demands := make([]ItemDemand, 0, len(items))
	for _, item := range items {
		demands = append(demands, ItemDemand{
			OrderItemId: item.ID,
			ProductId:   item.ProductId,
			OrderedQty:  item.Qty,
		})
	}
	return demands
}

// AllocateOrder commits stock to an order. The requested quantities are
// absolute targets per product, not deltas: calling twice with the same
// targets is a no-op on stock. Runs entirely in one transaction; any failure
// aborts the whole request, never a partial item list.
func AllocateOrder(ctx context.Context, orderId int, requests []AllocationRequest) (*AllocationSummary, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if len(requests) == 0 {
		return nil, errors.New("allocation request must have at least one item")
	}
	seen := make(map[int]bool, len(requests))
	for _, req := range requests {
		if req.Qty.IsNegative() {
			return nil, errors.New("allocation qty must not be negative")
		}
		if seen[req.ProductId] {
			return nil, fmt.Errorf("duplicate product %d in allocation request", req.ProductId)
		}
		seen[req.ProductId] = true
	}
	// Product rows are locked in product-id order so concurrent allocations
	// for different orders cannot deadlock on each other.
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].ProductId < requests[j].ProductId
	})

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
	if !reallocatableOrderStatuses[order.Status] {
		tx.Rollback()
		return nil, fmt.Errorf("order in status %s cannot be allocated", order.Status)
	}
	if !editableOrderStatuses[order.Status] {
		tx.Rollback()
		return nil, fmt.Errorf("order in status %s is locked for allocation changes", order.Status)
	}

	orderedByProduct := make(map[int]decimal.Decimal, len(order.Items))
	for _, item := range order.Items {
		orderedByProduct[item.ProductId] = orderedByProduct[item.ProductId].Add(item.Qty)
	}
	for _, req := range requests {
		ordered, exists := orderedByProduct[req.ProductId]
		if !exists {
			tx.Rollback()
			return nil, fmt.Errorf("product %d is not on this order", req.ProductId)
		}
		if req.Qty.GreaterThan(ordered) {
			tx.Rollback()
			return nil, fmt.Errorf("allocation for product %d exceeds ordered quantity", req.ProductId)
		}
	}

	allocatedBefore, err := loadAllocatedByProduct(tx, order.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	itemsBefore := RedistributeProductAllocations(itemDemands(order.Items), allocatedBefore)

	for _, req := range requests {
		product, err := lockProduct(tx, businessId, req.ProductId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		allocation, err := lockAllocation(tx, businessId, order.ID, req.ProductId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		delta := req.Qty.Sub(allocation.AllocatedQty)
		switch {
		case delta.IsPositive():
			if delta.GreaterThan(product.StockQuantity) {
				shortfall := delta.Sub(product.StockQuantity)
				tx.Rollback()
				return nil, &InsufficientStockError{
					ProductId: req.ProductId,
					Requested: req.Qty,
					Available: product.StockQuantity,
					Shortfall: shortfall,
				}
			}
			if err := tx.Model(product).Updates(map[string]interface{}{
				"StockQuantity":     product.StockQuantity.Sub(delta),
				"AllocatedQuantity": product.AllocatedQuantity.Add(delta),
			}).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		case delta.IsNegative():
			release := delta.Neg()
			allocatedNew := product.AllocatedQuantity.Sub(release)
			if allocatedNew.IsNegative() {
				allocatedNew = decimal.Zero
			}
			if err := tx.Model(product).Updates(map[string]interface{}{
				"StockQuantity":     product.StockQuantity.Add(release),
				"AllocatedQuantity": allocatedNew,
			}).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		}

		if err := tx.Model(allocation).Updates(map[string]interface{}{
			"AllocatedQty": req.Qty,
			"Status":       AllocationStatusActive,
		}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	allocatedAfter, err := loadAllocatedByProduct(tx, order.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	itemsAfter := RedistributeProductAllocations(itemDemands(order.Items), allocatedAfter)

	shortages, err := reconcileBackorders(tx, businessId, order, itemsAfter)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	totalAllocated := decimal.Zero
	for _, qty := range allocatedAfter {
		totalAllocated = totalAllocated.Add(qty)
	}

	previous := order.Status
	statusChanged := false
	if totalAllocated.IsPositive() &&
		OrderStatusRank(order.Status) < OrderStatusRank(OrderStatusWaitingInvoice) {
		if err := tx.Model(order).Updates(map[string]interface{}{
			"Status": OrderStatusWaitingInvoice,
		}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		order.Status = OrderStatusWaitingInvoice
		statusChanged = true
	}

	if len(shortages) == 0 {
		if err := resolveOrderIssues(tx, businessId, order.ID, "allocation fulfilled"); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if statusChanged {
		if err := EmitOrderStatusChanged(tx, businessId, order.ID, previous, order.Status); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	// Allocated total prices the newly committed units from each item's
	// purchase price, using the item-level delta between the two
	// redistribution passes.
	allocatedTotal := decimal.Zero
	priceByItem := make(map[int]decimal.Decimal, len(order.Items))
	for _, item := range order.Items {
		priceByItem[item.ID] = item.UnitPrice
	}
	beforeByItem := make(map[int]decimal.Decimal, len(itemsBefore))
	for _, item := range itemsBefore {
		beforeByItem[item.OrderItemId] = item.AllocatedQty
	}
	for _, item := range itemsAfter {
		gained := item.AllocatedQty.Sub(beforeByItem[item.OrderItemId])
		if gained.IsPositive() {
			allocatedTotal = allocatedTotal.Add(gained.Mul(priceByItem[item.OrderItemId]))
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	result := AllocationResultFull
	if len(shortages) > 0 {
		result = AllocationResultPartial
		if !totalAllocated.IsPositive() {
			result = AllocationResultPending
		}
	}
	return &AllocationSummary{
		Result:         result,
		AllocatedTotal: allocatedTotal,
		Backorders:     shortages,
	}, nil
}

// reconcileBackorders upserts backorders 1:1 with order items from the
// redistributed shortages: shortage > 0 reopens/creates waiting_stock,
// shortage == 0 closes to fulfilled (canceled backorders stay canceled).
// Returns the remaining shortages.
func reconcileBackorders(tx *gorm.DB, businessId string, order *Order, items []ItemAllocation) ([]BackorderShortage, error) {
	shortages := make([]BackorderShortage, 0)
	for _, item := range items {
		var backorder Backorder
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_item_id = ?", item.OrderItemId).
			First(&backorder).Error
		exists := true
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
			exists = false
		}

		if item.ShortageQty.IsPositive() {
			shortages = append(shortages, BackorderShortage{
				ProductId:   item.ProductId,
				OrderItemId: item.OrderItemId,
				Qty:         item.ShortageQty,
			})
			if !exists {
				backorder = Backorder{
					BusinessId:  businessId,
					OrderId:     order.ID,
					OrderItemId: item.OrderItemId,
					ProductId:   item.ProductId,
					QtyPending:  item.ShortageQty,
					Status:      BackorderStatusWaitingStock,
				}
				if err := tx.Create(&backorder).Error; err != nil {
					return nil, err
				}
				continue
			}
			if err := tx.Model(&backorder).Updates(map[string]interface{}{
				"QtyPending": item.ShortageQty,
				"Status":     BackorderStatusWaitingStock,
			}).Error; err != nil {
				return nil, err
			}
			continue
		}

		if exists && backorder.Status != BackorderStatusCanceled {
			if err := tx.Model(&backorder).Updates(map[string]interface{}{
				"QtyPending": decimal.Zero,
				"Status":     BackorderStatusFulfilled,
			}).Error; err != nil {
				return nil, err
			}
		}
	}
	return shortages, nil
}

// CancelBackorder writes off the shortage-only portion of an order: items
// with unmet demand shrink to their allocated quantity, their backorders are
// canceled, and the order's discount and total are recomputed proportionally
// to the surviving subtotal. The shipping fee is preserved unchanged.
func CancelBackorder(ctx context.Context, orderId int, reason string) (*Order, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if reason == "" {
		return nil, errors.New("cancel reason is required")
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
	// Same gate as allocation changes: once shipped (allocations released)
	// or terminal, the released rows would read as shortage over the whole
	// order and the write-off would zero it out.
	if !editableOrderStatuses[order.Status] {
		tx.Rollback()
		return nil, fmt.Errorf("order in status %s cannot have backorders canceled", order.Status)
	}

	allocated, err := loadAllocatedByProduct(tx, order.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	items := RedistributeProductAllocations(itemDemands(order.Items), allocated)

	totalShortage := decimal.Zero
	for _, item := range items {
		totalShortage = totalShortage.Add(item.ShortageQty)
	}
	if !totalShortage.IsPositive() {
		tx.Rollback()
		return nil, ErrNoShortage
	}

	originalSubtotal := decimal.Zero
	remainingSubtotal := decimal.Zero
	itemById := make(map[int]*OrderItem, len(order.Items))
	for i := range order.Items {
		itemById[order.Items[i].ID] = &order.Items[i]
	}

	for _, item := range items {
		orderItem := itemById[item.OrderItemId]
		originalSubtotal = originalSubtotal.Add(orderItem.Qty.Mul(orderItem.UnitPrice))

		if item.ShortageQty.IsPositive() {
			if err := tx.Model(orderItem).Updates(map[string]interface{}{
				"Qty": item.AllocatedQty,
			}).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
			orderItem.Qty = item.AllocatedQty

			if err := tx.Model(&Backorder{}).
				Where("order_item_id = ?", item.OrderItemId).
				Updates(map[string]interface{}{
					"QtyPending": decimal.Zero,
					"Status":     BackorderStatusCanceled,
					"Notes":      reason,
				}).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		remainingSubtotal = remainingSubtotal.Add(orderItem.Qty.Mul(orderItem.UnitPrice))
	}

	discountNew := decimal.Zero
	if originalSubtotal.IsPositive() {
		ratio := remainingSubtotal.Div(originalSubtotal)
		discountNew = order.DiscountAmount.Mul(ratio).Round(4)
	}
	totalNew := remainingSubtotal.Sub(discountNew).Add(order.ShippingAmount)

	previous := order.Status
	statusNew := previous
	if !remainingSubtotal.IsPositive() {
		statusNew = OrderStatusCanceled
		if err := releaseOrderStock(tx, order); err != nil {
			tx.Rollback()
			return nil, err
		}
	} else if previous == OrderStatusHold {
		statusNew = OrderStatusWaitingInvoice
	}

	if err := tx.Model(order).Updates(map[string]interface{}{
		"DiscountAmount": discountNew,
		"TotalAmount":    totalNew,
		"Status":         statusNew,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := recordResolvedShortageIssue(tx, businessId, order.ID, userId, reason); err != nil {
		tx.Rollback()
		return nil, err
	}

	if statusNew != previous {
		if err := EmitOrderStatusChanged(tx, businessId, order.ID, previous, statusNew); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := EmitAdminRefresh(tx, businessId, "orders"); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.Status = statusNew
	order.DiscountAmount = discountNew
	order.TotalAmount = totalNew
	return order, nil
}

// recordResolvedShortageIssue keeps the human-supplied write-off reason as a
// resolved audit entry: open shortage issues are resolved with it, and when
// none exist a pre-resolved entry is created.
func recordResolvedShortageIssue(tx *gorm.DB, businessId string, orderId int, userId int, reason string) error {
	result := tx.Model(&OrderIssue{}).
		Where("business_id = ? AND order_id = ? AND status = ?",
			businessId, orderId, OrderIssueStatusOpen).
		Updates(map[string]interface{}{
			"Status":         OrderIssueStatusResolved,
			"ResolutionNote": reason,
			"ResolvedAt":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	now := time.Now()
	issue := OrderIssue{
		BusinessId:     businessId,
		OrderId:        orderId,
		IssueType:      OrderIssueTypeShortage,
		Status:         OrderIssueStatusResolved,
		ResolutionNote: reason,
		ResolvedAt:     &now,
		CreatedBy:      userId,
	}
	return tx.Create(&issue).Error
}

// AutoAllocateBackordersForProduct sweeps a product's waiting backorders
// FIFO, committing arriving stock to the oldest demand first. It stops the
// moment stock or backlog runs out. Not invoked on receipt unless
// AUTO_ALLOCATE_ON_RECEIPT is set; the default policy keeps fulfillment
// priority in operator hands.
func AutoAllocateBackordersForProduct(tx *gorm.DB, logger *logrus.Logger, businessId string, productId int) error {
	var backorders []Backorder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ? AND status = ? AND qty_pending > 0",
			businessId, productId, BackorderStatusWaitingStock).
		Order("created_at asc, id asc").Find(&backorders).Error; err != nil {
		return err
	}

	fulfilled := 0
	for i := range backorders {
		backorder := &backorders[i]

		product, err := lockProduct(tx, businessId, productId)
		if err != nil {
			return err
		}
		if !product.StockQuantity.IsPositive() {
			break
		}

		take := decimal.Min(product.StockQuantity, backorder.QtyPending)

		allocation, err := lockAllocation(tx, businessId, backorder.OrderId, productId)
		if err != nil {
			return err
		}
		if err := tx.Model(allocation).Updates(map[string]interface{}{
			"AllocatedQty": allocation.AllocatedQty.Add(take),
			"Status":       AllocationStatusActive,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(product).Updates(map[string]interface{}{
			"StockQuantity":     product.StockQuantity.Sub(take),
			"AllocatedQuantity": product.AllocatedQuantity.Add(take),
		}).Error; err != nil {
			return err
		}

		pendingNew := backorder.QtyPending.Sub(take)
		statusNew := BackorderStatusWaitingStock
		if !pendingNew.IsPositive() {
			pendingNew = decimal.Zero
			statusNew = BackorderStatusFulfilled
			fulfilled++
		}
		if err := tx.Model(backorder).Updates(map[string]interface{}{
			"QtyPending": pendingNew,
			"Status":     statusNew,
		}).Error; err != nil {
			return err
		}
	}

	if fulfilled > 0 {
		logger.WithFields(logrus.Fields{
			"business_id": businessId,
			"product_id":  productId,
			"fulfilled":   fulfilled,
		}).Info("auto-allocated backorders")
	}
	return nil
}
