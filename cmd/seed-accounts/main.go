package main

import (
	"context"
	"flag"
	"os"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/joho/godotenv"
)

// Provisions a tenant: business row, system chart of accounts and an admin
// user. With -business it only re-seeds accounts for an existing tenant
// (idempotent).
func main() {
	godotenv.Load()
	logger := config.GetLogger()

	name := flag.String("name", "", "business name (new tenant)")
	businessId := flag.String("business", "", "existing business id (re-seed accounts only)")
	adminEmail := flag.String("admin-email", "", "admin user email")
	adminPassword := flag.String("admin-password", "", "admin user password")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if err := models.MigrateTable(); err != nil {
		logger.WithError(err).Fatal("migration failed")
	}

	ctx := context.Background()

	if *businessId != "" {
		db := config.GetDB()
		tx := db.Begin()
		if err := models.SeedSystemAccounts(tx, *businessId); err != nil {
			tx.Rollback()
			logger.WithError(err).Fatal("seeding accounts failed")
		}
		if err := tx.Commit().Error; err != nil {
			logger.WithError(err).Fatal("seeding accounts failed")
		}
		logger.WithField("business_id", *businessId).Info("system accounts seeded")
		return
	}

	if *name == "" {
		logger.Error("either -name or -business is required")
		os.Exit(2)
	}

	business, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: *name})
	if err != nil {
		logger.WithError(err).Fatal("creating business failed")
	}
	logger.WithField("business_id", business.ID.String()).Info("business created")

	if *adminEmail != "" && *adminPassword != "" {
		ctx = utils.SetBusinessIdInContext(ctx, business.ID.String())
		user, err := models.CreateUser(ctx, &models.NewUser{
			Name:     "Administrator",
			Email:    *adminEmail,
			Password: *adminPassword,
			Role:     models.UserRoleAdmin,
		})
		if err != nil {
			logger.WithError(err).Fatal("creating admin user failed")
		}
		logger.WithField("user_id", user.ID).Info("admin user created")
	}
}
