package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

type AccountingPeriod struct {
	ID         int        `gorm:"primary_key" json:"id"`
	BusinessId string     `gorm:"index:idx_period_business_month,unique;not null" json:"business_id"`
	Month      int        `gorm:"index:idx_period_business_month,unique;not null" json:"month"`
	Year       int        `gorm:"index:idx_period_business_month,unique;not null" json:"year"`
	IsClosed   *bool      `gorm:"not null;default:false" json:"is_closed"`
	ClosedBy   int        `json:"closed_by"`
	ClosedAt   *time.Time `json:"closed_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// getAccountingPeriod returns the period row covering date, or nil when no
// row exists (a never-materialized period is open by definition).
func getAccountingPeriod(tx *gorm.DB, businessId string, date time.Time) (*AccountingPeriod, error) {
	var period AccountingPeriod
	err := tx.Where("business_id = ? AND month = ? AND year = ?",
		businessId, int(date.Month()), date.Year()).
		First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &period, nil
}

// checkPeriodOpen is the period-lock gate used by ordinary journal creation.
func checkPeriodOpen(tx *gorm.DB, businessId string, date time.Time) error {
	period, err := getAccountingPeriod(tx, businessId, date)
	if err != nil {
		return err
	}
	if period != nil && period.IsClosed != nil && *period.IsClosed {
		return ErrPeriodClosed
	}
	return nil
}

// ClosePeriod locks a month against ordinary postings. Creates the period row
// when it does not exist yet.
func ClosePeriod(ctx context.Context, month int, year int) (*AccountingPeriod, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if month < 1 || month > 12 {
		return nil, errors.New("month must be between 1 and 12")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.Begin()

	period := AccountingPeriod{
		BusinessId: businessId,
		Month:      month,
		Year:       year,
	}
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND month = ? AND year = ?", businessId, month, year).
		FirstOrCreate(&period).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&period).Updates(map[string]interface{}{
		"IsClosed": true,
		"ClosedBy": userId,
		"ClosedAt": &now,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	period.IsClosed = utils.NewTrue()
	period.ClosedBy = userId
	period.ClosedAt = &now
	return &period, nil
}

// ReopenPeriod lifts the lock again. Admin operation; ordinary corrections
// should go through adjustment entries instead.
func ReopenPeriod(ctx context.Context, month int, year int) (*AccountingPeriod, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	role, _ := utils.GetUserRoleFromContext(ctx)
	if UserRole(role) != UserRoleAdmin {
		return nil, errors.New("only admin may reopen a period")
	}

	db := config.GetDB()
	var period AccountingPeriod
	if err := db.WithContext(ctx).
		Where("business_id = ? AND month = ? AND year = ?", businessId, month, year).
		First(&period).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := db.WithContext(ctx).Model(&period).Updates(map[string]interface{}{
		"IsClosed": false,
		"ClosedBy": 0,
		"ClosedAt": nil,
	}).Error; err != nil {
		return nil, err
	}
	period.IsClosed = utils.NewFalse()
	return &period, nil
}
