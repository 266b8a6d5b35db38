package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestRedistribute_FirstComeFirstServed(t *testing.T) {
	items := []ItemDemand{
		{OrderItemId: 1, ProductId: 10, OrderedQty: d(5)},
		{OrderItemId: 2, ProductId: 10, OrderedQty: d(5)},
		{OrderItemId: 3, ProductId: 10, OrderedQty: d(5)},
	}
	result := RedistributeProductAllocations(items, map[int]decimal.Decimal{10: d(7)})

	if !result[0].AllocatedQty.Equal(d(5)) || !result[0].ShortageQty.Equal(d(0)) {
		t.Fatalf("item 1: got allocated=%s shortage=%s", result[0].AllocatedQty, result[0].ShortageQty)
	}
	if !result[1].AllocatedQty.Equal(d(2)) || !result[1].ShortageQty.Equal(d(3)) {
		t.Fatalf("item 2: got allocated=%s shortage=%s", result[1].AllocatedQty, result[1].ShortageQty)
	}
	if !result[2].AllocatedQty.Equal(d(0)) || !result[2].ShortageQty.Equal(d(5)) {
		t.Fatalf("item 3: got allocated=%s shortage=%s", result[2].AllocatedQty, result[2].ShortageQty)
	}
}

func TestRedistribute_IndependentProducts(t *testing.T) {
	items := []ItemDemand{
		{OrderItemId: 1, ProductId: 10, OrderedQty: d(4)},
		{OrderItemId: 2, ProductId: 20, OrderedQty: d(6)},
	}
	result := RedistributeProductAllocations(items, map[int]decimal.Decimal{
		10: d(4),
		20: d(1),
	})
	if !result[0].ShortageQty.IsZero() {
		t.Fatalf("product 10 should be fully covered, shortage=%s", result[0].ShortageQty)
	}
	if !result[1].AllocatedQty.Equal(d(1)) || !result[1].ShortageQty.Equal(d(5)) {
		t.Fatalf("product 20: got allocated=%s shortage=%s", result[1].AllocatedQty, result[1].ShortageQty)
	}
}

func TestRedistribute_NoAllocation(t *testing.T) {
	items := []ItemDemand{
		{OrderItemId: 1, ProductId: 10, OrderedQty: d(3)},
	}
	result := RedistributeProductAllocations(items, nil)
	if !result[0].AllocatedQty.IsZero() || !result[0].ShortageQty.Equal(d(3)) {
		t.Fatalf("got allocated=%s shortage=%s", result[0].AllocatedQty, result[0].ShortageQty)
	}
}

// ordered_qty == allocated_qty + shortage_qty must hold for every item, for
// any pool size including over-allocation from stale data.
func TestRedistribute_ShortageConservation(t *testing.T) {
	items := []ItemDemand{
		{OrderItemId: 1, ProductId: 10, OrderedQty: d(5)},
		{OrderItemId: 2, ProductId: 10, OrderedQty: d(3)},
		{OrderItemId: 3, ProductId: 20, OrderedQty: d(2)},
	}
	for pool := int64(0); pool <= 12; pool++ {
		result := RedistributeProductAllocations(items, map[int]decimal.Decimal{
			10: d(pool),
			20: d(2),
		})
		for _, item := range result {
			got := item.AllocatedQty.Add(item.ShortageQty)
			if !got.Equal(item.OrderedQty) {
				t.Fatalf("pool=%d item=%d: allocated(%s)+shortage(%s) != ordered(%s)",
					pool, item.OrderItemId, item.AllocatedQty, item.ShortageQty, item.OrderedQty)
			}
			if item.AllocatedQty.IsNegative() || item.ShortageQty.IsNegative() {
				t.Fatalf("pool=%d item=%d: negative quantity", pool, item.OrderItemId)
			}
		}
	}
}

func TestRedistribute_ExcessPoolStaysUnconsumed(t *testing.T) {
	items := []ItemDemand{
		{OrderItemId: 1, ProductId: 10, OrderedQty: d(2)},
	}
	result := RedistributeProductAllocations(items, map[int]decimal.Decimal{10: d(9)})
	if !result[0].AllocatedQty.Equal(d(2)) {
		t.Fatalf("item must never exceed its ordered qty, got %s", result[0].AllocatedQty)
	}
}
