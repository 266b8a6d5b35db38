package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "orders_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUserRoleInContext(ctx, string(models.UserRoleAdmin))

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Allocation Test Co"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return utils.SetBusinessIdInContext(ctx, biz.ID.String())
}

func createTestProduct(t *testing.T, ctx context.Context, name string, price int64) *models.Product {
	t.Helper()
	product, err := models.CreateProduct(ctx, &models.Product{
		Name:      name,
		Sku:       name,
		UnitPrice: decimal.NewFromInt(price),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return product
}

func reloadProduct(t *testing.T, ctx context.Context, id int) *models.Product {
	t.Helper()
	product, err := models.GetProduct(ctx, id)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	return product
}

func TestAllocateOrder_PartialThenFulfilled(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	product := createTestProduct(t, ctx, "WIDGET-1", 500)
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(4), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		ShippingAmount: decimal.NewFromInt(100),
		Items: []models.NewOrderItem{
			{ProductId: product.ID, Qty: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	summary, err := models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(4)},
	})
	if err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	if summary.Result != models.AllocationResultPartial {
		t.Fatalf("got result %s, want partially_allocated", summary.Result)
	}
	if !summary.AllocatedTotal.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("got allocated total %s, want 2000", summary.AllocatedTotal)
	}

	product = reloadProduct(t, ctx, product.ID)
	if !product.StockQuantity.IsZero() || !product.AllocatedQuantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("got stock=%s allocated=%s, want 0/4", product.StockQuantity, product.AllocatedQuantity)
	}

	var backorder models.Backorder
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&backorder).Error; err != nil {
		t.Fatalf("expected backorder: %v", err)
	}
	if !backorder.QtyPending.Equal(decimal.NewFromInt(6)) || backorder.Status != models.BackorderStatusWaitingStock {
		t.Fatalf("got pending=%s status=%s, want 6/waiting_stock", backorder.QtyPending, backorder.Status)
	}

	order, err = models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusWaitingInvoice {
		t.Fatalf("got status %s, want waiting_invoice", order.Status)
	}

	// Same absolute target again: a no-op on stock.
	if _, err := models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(4)},
	}); err != nil {
		t.Fatalf("idempotent AllocateOrder: %v", err)
	}
	product = reloadProduct(t, ctx, product.ID)
	if !product.StockQuantity.IsZero() || !product.AllocatedQuantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("idempotence broken: stock=%s allocated=%s", product.StockQuantity, product.AllocatedQuantity)
	}

	// Asking for more than available must fail whole-request with the shortfall.
	_, err = models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(10)},
	})
	var insufficientStock *models.InsufficientStockError
	if !errors.As(err, &insufficientStock) {
		t.Fatalf("got %v, want InsufficientStockError", err)
	}
	if !insufficientStock.Shortfall.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("got shortfall %s, want 6", insufficientStock.Shortfall)
	}

	// Stock arrives; full allocation closes the backorder.
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(6), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}
	summary, err = models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(10)},
	})
	if err != nil {
		t.Fatalf("AllocateOrder full: %v", err)
	}
	if summary.Result != models.AllocationResultFull {
		t.Fatalf("got result %s, want fully_allocated", summary.Result)
	}
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&backorder).Error; err != nil {
		t.Fatalf("backorder reload: %v", err)
	}
	if backorder.Status != models.BackorderStatusFulfilled || !backorder.QtyPending.IsZero() {
		t.Fatalf("got status=%s pending=%s, want fulfilled/0", backorder.Status, backorder.QtyPending)
	}
}

func TestCancelBackorder_WritesOffShortageOnly(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	product := createTestProduct(t, ctx, "WIDGET-2", 500)
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(4), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		DiscountAmount: decimal.NewFromInt(500),
		ShippingAmount: decimal.NewFromInt(100),
		Items: []models.NewOrderItem{
			{ProductId: product.ID, Qty: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(4)},
	}); err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	if _, err := models.ChangeOrderStatus(ctx, order.ID, models.OrderStatusHold, "waiting on stock"); err != nil {
		t.Fatalf("ChangeOrderStatus hold: %v", err)
	}

	order, err = models.CancelBackorder(ctx, order.ID, "out of stock")
	if err != nil {
		t.Fatalf("CancelBackorder: %v", err)
	}

	var item models.OrderItem
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("item reload: %v", err)
	}
	if !item.Qty.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("got item qty %s, want 4", item.Qty)
	}

	var backorder models.Backorder
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&backorder).Error; err != nil {
		t.Fatalf("backorder reload: %v", err)
	}
	if backorder.Status != models.BackorderStatusCanceled {
		t.Fatalf("got backorder status %s, want canceled", backorder.Status)
	}

	// Remaining subtotal 2000 of original 5000: discount 500 -> 200,
	// total 2000 - 200 + shipping 100 = 1900.
	if !order.DiscountAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("got discount %s, want 200", order.DiscountAmount)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(1900)) {
		t.Fatalf("got total %s, want 1900", order.TotalAmount)
	}
	if order.Status != models.OrderStatusWaitingInvoice {
		t.Fatalf("got status %s, want waiting_invoice", order.Status)
	}

	// No shortage is left, so a second write-off must fail.
	if _, err := models.CancelBackorder(ctx, order.ID, "again"); !errors.Is(err, models.ErrNoShortage) {
		t.Fatalf("got %v, want ErrNoShortage", err)
	}
}

func TestCancelBackorder_NothingAllocatedCancelsOrder(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	product := createTestProduct(t, ctx, "WIDGET-4", 500)
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		Items: []models.NewOrderItem{
			{ProductId: product.ID, Qty: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Nothing allocated: the whole order is shortage, so the write-off
	// cancels the order outright.
	order, err = models.CancelBackorder(ctx, order.ID, "supplier discontinued")
	if err != nil {
		t.Fatalf("CancelBackorder: %v", err)
	}
	if order.Status != models.OrderStatusCanceled {
		t.Fatalf("got status %s, want canceled", order.Status)
	}
	if !order.TotalAmount.IsZero() {
		t.Fatalf("got total %s, want 0", order.TotalAmount)
	}

	var item models.OrderItem
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("item reload: %v", err)
	}
	if !item.Qty.IsZero() {
		t.Fatalf("got item qty %s, want 0", item.Qty)
	}

	// Untouched stock stays on the shelf.
	product = reloadProduct(t, ctx, product.ID)
	if !product.StockQuantity.Equal(decimal.NewFromInt(5)) || !product.AllocatedQuantity.IsZero() {
		t.Fatalf("got stock=%s allocated=%s, want 5/0", product.StockQuantity, product.AllocatedQuantity)
	}
}

func TestCancelBackorder_RejectedAfterShipment(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	product := createTestProduct(t, ctx, "WIDGET-5", 500)
	if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
		Qty: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		ShippingAmount: decimal.NewFromInt(100),
		Items: []models.NewOrderItem{
			{ProductId: product.ID, Qty: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := models.AllocateOrder(ctx, order.ID, []models.AllocationRequest{
		{ProductId: product.ID, Qty: decimal.NewFromInt(10)},
	}); err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	if _, err := models.ChangeOrderStatus(ctx, order.ID, models.OrderStatusReadyToShip, ""); err != nil {
		t.Fatalf("ChangeOrderStatus: %v", err)
	}
	if _, err := models.MarkOrderShipped(ctx, order.ID, &models.ShipOrderInput{
		InvoiceTotal: decimal.NewFromInt(5100),
	}); err != nil {
		t.Fatalf("MarkOrderShipped: %v", err)
	}

	// The released allocations must not read as shortage: write-off on a
	// shipped order is rejected outright, not treated as a whole-order cancel.
	_, err = models.CancelBackorder(ctx, order.ID, "too late")
	if err == nil {
		t.Fatalf("expected error canceling backorders on a shipped order")
	}
	if errors.Is(err, models.ErrNoShortage) {
		t.Fatalf("got ErrNoShortage, want a status rejection")
	}

	order, err = models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusShipped {
		t.Fatalf("got status %s, want shipped", order.Status)
	}
	var item models.OrderItem
	if err := db.WithContext(ctx).Where("order_id = ?", order.ID).First(&item).Error; err != nil {
		t.Fatalf("item reload: %v", err)
	}
	if !item.Qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("got item qty %s, want 10", item.Qty)
	}
}

func TestMovingAverage_Persisted(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	product := createTestProduct(t, ctx, "WIDGET-3", 500)
	for _, receipt := range []struct{ qty, cost int64 }{{10, 100}, {10, 200}} {
		if _, err := models.ReceiveStock(ctx, product.ID, &models.NewStockReceipt{
			Qty: decimal.NewFromInt(receipt.qty), UnitCost: decimal.NewFromInt(receipt.cost),
		}); err != nil {
			t.Fatalf("ReceiveStock: %v", err)
		}
	}

	var state models.ProductCostState
	if err := db.WithContext(ctx).Where("product_id = ?", product.ID).First(&state).Error; err != nil {
		t.Fatalf("cost state: %v", err)
	}
	if !state.AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("got avg cost %s, want 150", state.AvgCost)
	}
	if !state.OnHandQty.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("got on-hand %s, want 20", state.OnHandQty)
	}

	var ledger []models.InventoryCostLedger
	if err := db.WithContext(ctx).Where("product_id = ?", product.ID).
		Order("id asc").Find(&ledger).Error; err != nil {
		t.Fatalf("cost ledger: %v", err)
	}
	if len(ledger) != 2 {
		t.Fatalf("got %d ledger rows, want 2", len(ledger))
	}
	if !ledger[1].UnitCost.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("ledger must store the input unit cost, got %s", ledger[1].UnitCost)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=orders_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
