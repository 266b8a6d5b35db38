package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProductCostState is the single source of truth for a product's weighted
// average unit cost. OnHandQty tracks total physical units for costing,
// independent of the available/allocated split on Product.
type ProductCostState struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index:idx_cost_state_product,unique;not null" json:"business_id"`
	ProductId  int             `gorm:"index:idx_cost_state_product,unique;not null" json:"product_id"`
	OnHandQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand_qty"`
	AvgCost    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_cost"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InventoryCostLedger is append-only. Rows are never updated or deleted; this
// is the audit trail for every costing decision.
type InventoryCostLedger struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"index;not null" json:"business_id"`
	ProductId     int              `gorm:"index;not null" json:"product_id"`
	MovementKind  CostMovementKind `gorm:"type:enum('in','out','adjustment_plus','adjustment_minus');not null" json:"movement_kind"`
	Qty           decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitCost      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	TotalCost     decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	ReferenceType ReferenceType    `gorm:"index;size:50" json:"reference_type"`
	ReferenceId   int              `gorm:"index" json:"reference_id"`
	Note          string           `gorm:"type:text" json:"note"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// CostMovement is what posting code consumes (COGS / gain-loss amounts).
type CostMovement struct {
	Qty       decimal.Decimal `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// nextMovingAverage blends a receipt into the running weighted average:
//
//	avgNew = (onHandOld*avgOld + qty*unitCost) / (onHandOld + qty)
//
// rounded to 4 decimal places. Returns zero when the resulting on-hand is
// zero or negative.
func nextMovingAverage(onHandOld, avgOld, qty, unitCost decimal.Decimal) decimal.Decimal {
	onHandNew := onHandOld.Add(qty)
	if !onHandNew.IsPositive() {
		return decimal.Zero
	}
	blended := onHandOld.Mul(avgOld).Add(qty.Mul(unitCost))
	return blended.Div(onHandNew).Round(4)
}

// EnsureCostState get-or-creates (and row-locks) the cost state for a
// product. Created lazily on first movement with zero on-hand and cost.
func EnsureCostState(tx *gorm.DB, businessId string, productId int) (*ProductCostState, error) {
	state := ProductCostState{
		BusinessId: businessId,
		ProductId:  productId,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		FirstOrCreate(&state)
	if result.Error != nil {
		return nil, result.Error
	}
	return &state, nil
}

// RecordInboundCost applies a receipt at unitCost to the moving average and
// appends an `in` ledger row. The ledger stores the input unit cost and the
// exact qty*unitCost total; only the persisted average is rounded.
func RecordInboundCost(tx *gorm.DB, businessId string, productId int, qty decimal.Decimal, unitCost decimal.Decimal, refType ReferenceType, refId int, note string) (*CostMovement, error) {
	if !qty.IsPositive() {
		return nil, errors.New("inbound qty must be positive")
	}
	if unitCost.IsNegative() {
		return nil, errors.New("unit cost must not be negative")
	}

	state, err := EnsureCostState(tx, businessId, productId)
	if err != nil {
		return nil, err
	}

	avgNew := nextMovingAverage(state.OnHandQty, state.AvgCost, qty, unitCost)
	if err := tx.Model(state).Updates(map[string]interface{}{
		"OnHandQty": state.OnHandQty.Add(qty),
		"AvgCost":   avgNew,
	}).Error; err != nil {
		return nil, err
	}

	totalCost := qty.Mul(unitCost)
	ledger := InventoryCostLedger{
		BusinessId:    businessId,
		ProductId:     productId,
		MovementKind:  CostMovementIn,
		Qty:           qty,
		UnitCost:      unitCost,
		TotalCost:     totalCost,
		ReferenceType: refType,
		ReferenceId:   refId,
		Note:          note,
	}
	if err := tx.Create(&ledger).Error; err != nil {
		return nil, err
	}

	return &CostMovement{Qty: qty, UnitCost: unitCost, TotalCost: totalCost}, nil
}

// ConsumeOutboundCost values an outbound movement at the average cost in
// effect before the movement; the average itself is not recomputed on the
// way out. When the requested qty exceeds on-hand, behavior depends on
// ALLOW_NEGATIVE_ON_HAND_CLAMP: clamp at zero with a logged warning (legacy
// data tolerance), or fail.
func ConsumeOutboundCost(tx *gorm.DB, logger *logrus.Logger, businessId string, productId int, qty decimal.Decimal, refType ReferenceType, refId int, note string) (*CostMovement, error) {
	if !qty.IsPositive() {
		return nil, errors.New("outbound qty must be positive")
	}

	state, err := EnsureCostState(tx, businessId, productId)
	if err != nil {
		return nil, err
	}

	onHandNew := state.OnHandQty.Sub(qty)
	if onHandNew.IsNegative() {
		if !config.AllowNegativeOnHandClamp() {
			return nil, errors.New("outbound qty exceeds tracked on-hand quantity")
		}
		config.LogWarn(logger, "productCost.go", "ConsumeOutboundCost",
			"on-hand clamped at zero",
			map[string]interface{}{
				"business_id": businessId,
				"product_id":  productId,
				"requested":   qty.String(),
				"on_hand":     state.OnHandQty.String(),
				"overshoot":   onHandNew.Neg().String(),
			},
			"outbound consumption exceeds on-hand; clamping")
		onHandNew = decimal.Zero
	}

	unitCost := state.AvgCost
	if err := tx.Model(state).Updates(map[string]interface{}{
		"OnHandQty": onHandNew,
	}).Error; err != nil {
		return nil, err
	}

	totalCost := qty.Mul(unitCost)
	ledger := InventoryCostLedger{
		BusinessId:    businessId,
		ProductId:     productId,
		MovementKind:  CostMovementOut,
		Qty:           qty,
		UnitCost:      unitCost,
		TotalCost:     totalCost,
		ReferenceType: refType,
		ReferenceId:   refId,
		Note:          note,
	}
	if err := tx.Create(&ledger).Error; err != nil {
		return nil, err
	}

	return &CostMovement{Qty: qty, UnitCost: unitCost, TotalCost: totalCost}, nil
}

// RecordCostAdjustment applies a physical count correction. The on-hand
// quantity moves by qtyDiff (clamped at zero) while the average cost stays
// untouched: adjustments are valued at the existing average, not a
// recomputed one. Returns the movement magnitude at that average for
// gain/loss posting.
func RecordCostAdjustment(tx *gorm.DB, businessId string, productId int, qtyDiff decimal.Decimal, refType ReferenceType, refId int, note string) (*CostMovement, error) {
	if qtyDiff.IsZero() {
		return nil, errors.New("adjustment qty must not be zero")
	}

	state, err := EnsureCostState(tx, businessId, productId)
	if err != nil {
		return nil, err
	}

	onHandNew := state.OnHandQty.Add(qtyDiff)
	if onHandNew.IsNegative() {
		onHandNew = decimal.Zero
	}
	if err := tx.Model(state).Updates(map[string]interface{}{
		"OnHandQty": onHandNew,
	}).Error; err != nil {
		return nil, err
	}

	kind := CostMovementAdjustmentPlus
	if qtyDiff.IsNegative() {
		kind = CostMovementAdjustmentMinus
	}
	magnitude := qtyDiff.Abs()
	unitCost := state.AvgCost
	totalCost := magnitude.Mul(unitCost)

	ledger := InventoryCostLedger{
		BusinessId:    businessId,
		ProductId:     productId,
		MovementKind:  kind,
		Qty:           magnitude,
		UnitCost:      unitCost,
		TotalCost:     totalCost,
		ReferenceType: refType,
		ReferenceId:   refId,
		Note:          note,
	}
	if err := tx.Create(&ledger).Error; err != nil {
		return nil, err
	}

	return &CostMovement{Qty: magnitude, UnitCost: unitCost, TotalCost: totalCost}, nil
}
