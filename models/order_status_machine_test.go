package models

import "testing"

func TestCanTransitionOrderStatus(t *testing.T) {
	cases := []struct {
		name    string
		current OrderStatus
		next    OrderStatus
		role    UserRole
		want    bool
	}{
		{"operator allocates pending", OrderStatusPending, OrderStatusWaitingInvoice, UserRoleOperator, true},
		{"finance issues invoice", OrderStatusWaitingInvoice, OrderStatusReadyToShip, UserRoleFinance, true},
		{"operator cannot issue invoice", OrderStatusWaitingInvoice, OrderStatusReadyToShip, UserRoleOperator, false},
		{"operator ships", OrderStatusReadyToShip, OrderStatusShipped, UserRoleOperator, true},
		{"shipped cannot regress", OrderStatusShipped, OrderStatusReadyToShip, UserRoleAdmin, false},
		{"viewer cannot transition", OrderStatusPending, OrderStatusWaitingInvoice, UserRoleViewer, false},
		{"admin verification admin only", OrderStatusWaitingAdminVerification, OrderStatusReadyToShip, UserRoleFinance, false},
		{"admin verification by admin", OrderStatusWaitingAdminVerification, OrderStatusReadyToShip, UserRoleAdmin, true},
		{"no skipping to delivered", OrderStatusPending, OrderStatusDelivered, UserRoleAdmin, false},
		{"hold back to waiting_invoice", OrderStatusHold, OrderStatusWaitingInvoice, UserRoleOperator, true},
		{"hold to shipped", OrderStatusHold, OrderStatusShipped, UserRoleOperator, true},
		{"expired is terminal", OrderStatusExpired, OrderStatusPending, UserRoleAdmin, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CanTransitionOrderStatus(tc.current, tc.next, tc.role)
			if got != tc.want {
				t.Fatalf("%s -> %s as %s: got %v, want %v", tc.current, tc.next, tc.role, got, tc.want)
			}
		})
	}
}

func TestCancellationAllowList(t *testing.T) {
	cases := []struct {
		current OrderStatus
		role    UserRole
		want    bool
	}{
		{OrderStatusPending, UserRoleFinance, true},
		{OrderStatusWaitingPayment, UserRoleOperator, true},
		{OrderStatusReadyToShip, UserRoleFinance, false},
		{OrderStatusReadyToShip, UserRoleOperator, true},
		{OrderStatusShipped, UserRoleOperator, false},
		{OrderStatusShipped, UserRoleAdmin, true},
		{OrderStatusCompleted, UserRoleAdmin, false},
		{OrderStatusCanceled, UserRoleAdmin, false},
	}
	for _, tc := range cases {
		got := CanTransitionOrderStatus(tc.current, OrderStatusCanceled, tc.role)
		if got != tc.want {
			t.Fatalf("cancel from %s as %s: got %v, want %v", tc.current, tc.role, got, tc.want)
		}
	}
}

func TestOrderStatusRank_NeverRegressesPastShipping(t *testing.T) {
	progressed := []OrderStatus{
		OrderStatusReadyToShip, OrderStatusWaitingPayment,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCompleted,
	}
	for _, status := range progressed {
		if OrderStatusRank(status) < OrderStatusRank(OrderStatusWaitingInvoice) {
			t.Fatalf("%s ranks below waiting_invoice; allocation would regress it", status)
		}
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusCanceled, OrderStatusExpired, OrderStatusCompleted} {
		if !status.IsTerminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	if OrderStatusHold.IsTerminal() {
		t.Fatal("hold must not be terminal")
	}
}
