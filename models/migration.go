package models

import "bitbucket.org/mmdatafocus/orders_backend/config"

// MigrateTable auto-migrates every model. Order matters only for readability;
// gorm resolves foreign keys by convention.
func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Business{},
		&User{},
		&Account{},
		&AccountingPeriod{},
		&Journal{},
		&JournalLine{},
		&Product{},
		&ProductCostState{},
		&InventoryCostLedger{},
		&StockReceipt{},
		&StockAdjustment{},
		&Order{},
		&OrderItem{},
		&OrderAllocation{},
		&Backorder{},
		&OrderIssue{},
		&OutboxMessage{},
	)
}
