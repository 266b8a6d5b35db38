package models

import "github.com/shopspring/decimal"

// ItemDemand is one order item's demand as seen by the redistribution pass.
type ItemDemand struct {
	OrderItemId int
	ProductId   int
	OrderedQty  decimal.Decimal
}

// ItemAllocation is what redistribution assigns back to an order item.
type ItemAllocation struct {
	OrderItemId  int
	ProductId    int
	OrderedQty   decimal.Decimal
	AllocatedQty decimal.Decimal
	ShortageQty  decimal.Decimal
}

// RedistributeProductAllocations spreads each product's aggregate allocated
// quantity across that product's order items. Items are walked in the order
// given (their stored order), each consuming from the product's remaining
// pool up to its own ordered quantity; whatever stays unconsumed per item is
// its shortage. ordered_qty == allocated_qty + shortage_qty holds for every
// result row.
func RedistributeProductAllocations(items []ItemDemand, allocatedByProduct map[int]decimal.Decimal) []ItemAllocation {
	remaining := make(map[int]decimal.Decimal, len(allocatedByProduct))
	for productId, qty := range allocatedByProduct {
		remaining[productId] = qty
	}

	result := make([]ItemAllocation, 0, len(items))
	for _, item := range items {
		pool := remaining[item.ProductId]
		take := decimal.Min(pool, item.OrderedQty)
		if take.IsNegative() {
			take = decimal.Zero
		}
		remaining[item.ProductId] = pool.Sub(take)
		result = append(result, ItemAllocation{
			OrderItemId:  item.OrderItemId,
			ProductId:    item.ProductId,
			OrderedQty:   item.OrderedQty,
			AllocatedQty: take,
			ShortageQty:  item.OrderedQty.Sub(take),
		})
	}
	return result
}
