package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

// System default account codes. Posting code looks accounts up by these; a
// missing account means the posting is skipped, never posted unbalanced.
const (
	AccountCodeCash               = "CSH"
	AccountCodeAccountsReceivable = "AR"
	AccountCodeSales              = "SLS"
	AccountCodeCostOfGoodsSold    = "CGS"
	AccountCodeInventoryAsset     = "INV"
	AccountCodeInventoryGainLoss  = "IGL"
	AccountCodeShippingIncome     = "SHP"
	AccountCodeCustomerAdvance    = "ADV"
)

type Account struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	MainType        AccountMainType `gorm:"type:enum('Asset','Liability','Equity','Income','Expense');default:'Expense';index;size:10;not null" json:"main_type" binding:"required"`
	Name            string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Code            string          `gorm:"index;size:100;not null" json:"code" binding:"required"`
	Description     string          `gorm:"type:text" json:"description"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	IsSystemDefault *bool           `gorm:"not null;default:false" json:"is_system_default"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	MainType    AccountMainType `json:"main_type" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Code        string          `json:"code" binding:"required"`
	Description string          `json:"description"`
}

var systemAccountSeeds = []Account{
	{Code: AccountCodeCash, Name: "Cash on Hand", MainType: AccountMainTypeAsset},
	{Code: AccountCodeAccountsReceivable, Name: "Accounts Receivable", MainType: AccountMainTypeAsset},
	{Code: AccountCodeSales, Name: "Sales", MainType: AccountMainTypeIncome},
	{Code: AccountCodeCostOfGoodsSold, Name: "Cost of Goods Sold", MainType: AccountMainTypeExpense},
	{Code: AccountCodeInventoryAsset, Name: "Inventory Asset", MainType: AccountMainTypeAsset},
	{Code: AccountCodeInventoryGainLoss, Name: "Inventory Gain/Loss", MainType: AccountMainTypeExpense},
	{Code: AccountCodeShippingIncome, Name: "Shipping Income", MainType: AccountMainTypeIncome},
	{Code: AccountCodeCustomerAdvance, Name: "Customer Advances", MainType: AccountMainTypeLiability},
}

// SeedSystemAccounts creates the fixed chart of accounts for a business.
// Idempotent: existing codes are left alone.
func SeedSystemAccounts(tx *gorm.DB, businessId string) error {
	for _, seed := range systemAccountSeeds {
		account := Account{
			BusinessId:      businessId,
			Code:            seed.Code,
			Name:            seed.Name,
			MainType:        seed.MainType,
			IsActive:        utils.NewTrue(),
			IsSystemDefault: utils.NewTrue(),
		}
		if err := tx.Where("business_id = ? AND code = ?", businessId, seed.Code).
			FirstOrCreate(&account).Error; err != nil {
			return err
		}
	}
	return config.RemoveRedisKey("SystemAccounts:" + businessId)
}

func CreateAccount(ctx context.Context, input *NewAccount) (*Account, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[Account](ctx, businessId, "code", input.Code, 0); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Account](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	account := Account{
		BusinessId:      businessId,
		MainType:        input.MainType,
		Name:            input.Name,
		Code:            input.Code,
		Description:     input.Description,
		IsActive:        utils.NewTrue(),
		IsSystemDefault: utils.NewFalse(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey("SystemAccounts:" + businessId); err != nil {
		return nil, err
	}
	return &account, nil
}

func GetAccount(ctx context.Context, id int) (*Account, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Account](ctx, businessId, id)
}

func GetAccounts(ctx context.Context) ([]*Account, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Account](ctx, businessId)
}

// GetSystemAccounts returns the code -> account id map for a business,
// cached in redis because posting reads it on every money-moving event.
func GetSystemAccounts(businessId string) (map[string]int, error) {
	var sysAccounts map[string]int

	exists, err := config.GetRedisObject("SystemAccounts:"+businessId, &sysAccounts)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		var accounts []*Account
		if err := db.Select("id", "code").
			Where("business_id = ?", businessId).
			Where("is_system_default = ?", true).
			Find(&accounts).Error; err != nil {
			return nil, err
		}
		sysAccounts = make(map[string]int)
		for _, acc := range accounts {
			sysAccounts[acc.Code] = acc.ID
		}
		if err := config.SetRedisObject("SystemAccounts:"+businessId, &sysAccounts, 0); err != nil {
			return nil, err
		}
	}
	return sysAccounts, nil
}
