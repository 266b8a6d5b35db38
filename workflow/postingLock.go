package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"gorm.io/gorm"
)

// WithPostingLock runs fn while holding a per-business MySQL advisory lock.
// Used around period close/reopen so closing cannot interleave with an
// in-flight posting that already passed its period check. GET_LOCK is
// connection-scoped, so the whole thing pins one connection.
func WithPostingLock(ctx context.Context, businessId string, timeoutSeconds int, fn func(ctx context.Context) error) error {
	db := config.GetDB()
	lockName := fmt.Sprintf("posting_lock:%s", businessId)

	return db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		var acquired int
		if err := tx.Raw("SELECT GET_LOCK(?, ?)", lockName, timeoutSeconds).Scan(&acquired).Error; err != nil {
			return err
		}
		if acquired != 1 {
			return errors.New("could not acquire posting lock")
		}
		defer func() {
			var released int
			tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released)
		}()
		return fn(ctx)
	})
}
