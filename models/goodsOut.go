package models

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostGoodsOut recognizes the physical departure of an order's allocated
// stock: consumes the units from the costing engine at the current average,
// fills each item's purchase cost, posts one revenue journal from the opaque
// invoice total and one COGS journal, and releases the warehouse commitment.
// GoodsOutPostedAt makes the whole thing a no-op on replay.
func PostGoodsOut(tx *gorm.DB, logger *logrus.Logger, order *Order, invoiceTotal decimal.Decimal, userId int) error {
	if order.GoodsOutPostedAt != nil {
		return nil
	}
	businessId := order.BusinessId

	var allocations []OrderAllocation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", order.ID, AllocationStatusActive).
		Order("id asc").Find(&allocations).Error; err != nil {
		return err
	}

	totalCogs := decimal.Zero
	unitCostByProduct := make(map[int]decimal.Decimal, len(allocations))
	for i := range allocations {
		allocation := &allocations[i]
		if !allocation.AllocatedQty.IsPositive() {
			continue
		}

		movement, err := ConsumeOutboundCost(tx, logger, businessId, allocation.ProductId,
			allocation.AllocatedQty, ReferenceTypeOrder, order.ID, "goods out")
		if err != nil {
			return err
		}
		totalCogs = totalCogs.Add(movement.TotalCost)
		unitCostByProduct[allocation.ProductId] = movement.UnitCost

		product, err := lockProduct(tx, businessId, allocation.ProductId)
		if err != nil {
			return err
		}
		allocatedNew := product.AllocatedQuantity.Sub(allocation.AllocatedQty)
		if allocatedNew.IsNegative() {
			allocatedNew = decimal.Zero
		}
		if err := tx.Model(product).Updates(map[string]interface{}{
			"AllocatedQuantity": allocatedNew,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(allocation).Updates(map[string]interface{}{
			"Status": AllocationStatusReleased,
		}).Error; err != nil {
			return err
		}
	}

	for i := range order.Items {
		item := &order.Items[i]
		unitCost, priced := unitCostByProduct[item.ProductId]
		if !priced {
			continue
		}
		if err := tx.Model(item).Updates(map[string]interface{}{
			"PurchaseUnitCost": unitCost,
		}).Error; err != nil {
			return err
		}
	}

	if err := postGoodsOutJournals(tx, logger, order, invoiceTotal, totalCogs, userId); err != nil {
		return err
	}

	now := time.Now()
	if err := tx.Model(order).Updates(map[string]interface{}{
		"GoodsOutPostedAt": now,
	}).Error; err != nil {
		return err
	}
	order.GoodsOutPostedAt = &now
	return nil
}

// postGoodsOutJournals posts revenue (Dr AR / Cr Sales + Shipping) and COGS
// (Dr COGS / Cr Inventory). When the system accounts are missing the
// posting is skipped entirely rather than written unbalanced.
func postGoodsOutJournals(tx *gorm.DB, logger *logrus.Logger, order *Order, invoiceTotal decimal.Decimal, totalCogs decimal.Decimal, userId int) error {
	businessId := order.BusinessId
	sysAccounts, err := GetSystemAccounts(businessId)
	if err != nil {
		return err
	}

	arAccount, hasAr := sysAccounts[AccountCodeAccountsReceivable]
	salesAccount, hasSales := sysAccounts[AccountCodeSales]
	shippingAccount, hasShipping := sysAccounts[AccountCodeShippingIncome]
	cogsAccount, hasCogs := sysAccounts[AccountCodeCostOfGoodsSold]
	invAccount, hasInv := sysAccounts[AccountCodeInventoryAsset]

	if invoiceTotal.IsPositive() {
		if !hasAr || !hasSales || (!hasShipping && order.ShippingAmount.IsPositive()) {
			config.LogWarn(logger, "goodsOut.go", "postGoodsOutJournals",
				"system accounts missing", map[string]interface{}{"business_id": businessId, "order_id": order.ID},
				"skipping revenue posting")
		} else {
			desc := fmt.Sprintf("Goods out - order %s", order.OrderNumber)
			shipping := order.ShippingAmount
			if shipping.GreaterThan(invoiceTotal) {
				shipping = invoiceTotal
			}
			lines := []NewJournalLine{
				{AccountId: arAccount, Description: desc, Debit: invoiceTotal},
			}
			if shipping.IsPositive() {
				lines = append(lines,
					NewJournalLine{AccountId: salesAccount, Description: desc, Credit: invoiceTotal.Sub(shipping)},
					NewJournalLine{AccountId: shippingAccount, Description: desc, Credit: shipping},
				)
			} else {
				lines = append(lines,
					NewJournalLine{AccountId: salesAccount, Description: desc, Credit: invoiceTotal},
				)
			}
			key := fmt.Sprintf("goods-out-revenue:%s:%d", businessId, order.ID)
			if _, err := createJournalInTx(tx, businessId, userId, &NewJournal{
				Description:    desc,
				ReferenceType:  ReferenceTypeOrder,
				ReferenceId:    order.ID,
				IdempotencyKey: &key,
				Lines:          lines,
			}, false); err != nil {
				return err
			}
		}
	}

	if totalCogs.IsPositive() {
		if !hasCogs || !hasInv {
			config.LogWarn(logger, "goodsOut.go", "postGoodsOutJournals",
				"system accounts missing", map[string]interface{}{"business_id": businessId, "order_id": order.ID},
				"skipping COGS posting")
			return nil
		}
		desc := fmt.Sprintf("COGS - order %s", order.OrderNumber)
		key := fmt.Sprintf("goods-out-cogs:%s:%d", businessId, order.ID)
		if _, err := createJournalInTx(tx, businessId, userId, &NewJournal{
			Description:    desc,
			ReferenceType:  ReferenceTypeOrder,
			ReferenceId:    order.ID,
			IdempotencyKey: &key,
			Lines: []NewJournalLine{
				{AccountId: cogsAccount, Description: desc, Debit: totalCogs},
				{AccountId: invAccount, Description: desc, Credit: totalCogs},
			},
		}, false); err != nil {
			return err
		}
	}
	return nil
}
