package main

import (
	"context"
	"flag"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/joho/godotenv"
)

// Closes (or with -reopen, reopens) an accounting period for a business.
// Intended for month-end operations and cron.
func main() {
	godotenv.Load()
	logger := config.GetLogger()

	businessId := flag.String("business", "", "business id")
	month := flag.Int("month", 0, "month 1-12 (default: previous month)")
	year := flag.Int("year", 0, "year (default: previous month's year)")
	userId := flag.Int("user", 0, "acting user id")
	reopen := flag.Bool("reopen", false, "reopen instead of close")
	flag.Parse()

	if *businessId == "" {
		logger.Error("-business is required")
		os.Exit(2)
	}
	if *month == 0 || *year == 0 {
		previous := time.Now().AddDate(0, -1, 0)
		*month = int(previous.Month())
		*year = previous.Year()
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	ctx = utils.SetUserIdInContext(ctx, *userId)
	ctx = utils.SetUserRoleInContext(ctx, string(models.UserRoleAdmin))

	err := workflow.WithPostingLock(ctx, *businessId, 10, func(ctx context.Context) error {
		if *reopen {
			_, err := models.ReopenPeriod(ctx, *month, *year)
			return err
		}
		_, err := models.ClosePeriod(ctx, *month, *year)
		return err
	})
	if err != nil {
		logger.WithError(err).Fatal("period operation failed")
	}

	action := "closed"
	if *reopen {
		action = "reopened"
	}
	logger.WithFields(map[string]interface{}{
		"business_id": *businessId,
		"month":       *month,
		"year":        *year,
	}).Infof("period %s", action)
}
