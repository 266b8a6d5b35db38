package models

/* Order lifecycle */

type OrderStatus string

const (
	OrderStatusPending                  OrderStatus = "pending"
	OrderStatusWaitingInvoice           OrderStatus = "waiting_invoice"
	OrderStatusReadyToShip              OrderStatus = "ready_to_ship"
	OrderStatusWaitingPayment           OrderStatus = "waiting_payment"
	OrderStatusShipped                  OrderStatus = "shipped"
	OrderStatusDelivered                OrderStatus = "delivered"
	OrderStatusCompleted                OrderStatus = "completed"
	OrderStatusAllocated                OrderStatus = "allocated"
	OrderStatusPartiallyFulfilled       OrderStatus = "partially_fulfilled"
	OrderStatusDebtPending              OrderStatus = "debt_pending"
	OrderStatusHold                     OrderStatus = "hold"
	OrderStatusWaitingAdminVerification OrderStatus = "waiting_admin_verification"
	OrderStatusCanceled                 OrderStatus = "canceled"
	OrderStatusExpired                  OrderStatus = "expired"
)

// orderStatusRank orders statuses by fulfillment progress. Allocation may
// promote an order to waiting_invoice but never regress one that has already
// moved further along.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:                  0,
	OrderStatusHold:                     0,
	OrderStatusAllocated:                1,
	OrderStatusPartiallyFulfilled:       1,
	OrderStatusWaitingInvoice:           2,
	OrderStatusWaitingAdminVerification: 2,
	OrderStatusDebtPending:              2,
	OrderStatusWaitingPayment:           3,
	OrderStatusReadyToShip:              3,
	OrderStatusShipped:                  4,
	OrderStatusDelivered:                5,
	OrderStatusCompleted:                6,
	OrderStatusCanceled:                 7,
	OrderStatusExpired:                  7,
}

// reallocatableOrderStatuses is the set of statuses in which an order may
// still receive allocation calls at all.
var reallocatableOrderStatuses = map[OrderStatus]bool{
	OrderStatusPending:            true,
	OrderStatusWaitingInvoice:     true,
	OrderStatusReadyToShip:        true,
	OrderStatusAllocated:          true,
	OrderStatusPartiallyFulfilled: true,
	OrderStatusDebtPending:        true,
	OrderStatusHold:               true,
}

// editableOrderStatuses is the stricter subset: once an order reaches
// ready_to_ship its allocation is locked even though the order is still open.
var editableOrderStatuses = map[OrderStatus]bool{
	OrderStatusPending:            true,
	OrderStatusWaitingInvoice:     true,
	OrderStatusAllocated:          true,
	OrderStatusPartiallyFulfilled: true,
	OrderStatusDebtPending:        true,
	OrderStatusHold:               true,
}

/* Roles */

type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleOperator UserRole = "operator"
	UserRoleFinance  UserRole = "finance"
	UserRoleViewer   UserRole = "viewer"
)

type orderTransition struct {
	Next  OrderStatus
	Roles []UserRole
}

var allRoles = []UserRole{UserRoleAdmin, UserRoleOperator, UserRoleFinance}
var adminOnly = []UserRole{UserRoleAdmin}
var opsRoles = []UserRole{UserRoleAdmin, UserRoleOperator}
var financeRoles = []UserRole{UserRoleAdmin, UserRoleFinance}

// orderStatusTransitions is the explicit allow-list for ordinary transitions,
// keyed by current status. Cancellation has its own broader allow-list below.
var orderStatusTransitions = map[OrderStatus][]orderTransition{
	OrderStatusPending: {
		{Next: OrderStatusWaitingInvoice, Roles: opsRoles},
		{Next: OrderStatusAllocated, Roles: opsRoles},
		{Next: OrderStatusPartiallyFulfilled, Roles: opsRoles},
		{Next: OrderStatusHold, Roles: opsRoles},
		{Next: OrderStatusExpired, Roles: adminOnly},
	},
	OrderStatusAllocated: {
		{Next: OrderStatusWaitingInvoice, Roles: opsRoles},
		{Next: OrderStatusHold, Roles: opsRoles},
	},
	OrderStatusPartiallyFulfilled: {
		{Next: OrderStatusWaitingInvoice, Roles: opsRoles},
		{Next: OrderStatusHold, Roles: opsRoles},
	},
	OrderStatusWaitingInvoice: {
		{Next: OrderStatusReadyToShip, Roles: financeRoles},
		{Next: OrderStatusWaitingPayment, Roles: financeRoles},
		{Next: OrderStatusDebtPending, Roles: financeRoles},
		{Next: OrderStatusHold, Roles: opsRoles},
	},
	OrderStatusWaitingPayment: {
		{Next: OrderStatusWaitingAdminVerification, Roles: allRoles},
		{Next: OrderStatusReadyToShip, Roles: financeRoles},
		{Next: OrderStatusDebtPending, Roles: financeRoles},
	},
	OrderStatusWaitingAdminVerification: {
		{Next: OrderStatusReadyToShip, Roles: adminOnly},
		{Next: OrderStatusWaitingPayment, Roles: adminOnly},
	},
	OrderStatusDebtPending: {
		{Next: OrderStatusReadyToShip, Roles: financeRoles},
		{Next: OrderStatusWaitingPayment, Roles: financeRoles},
	},
	OrderStatusReadyToShip: {
		{Next: OrderStatusShipped, Roles: opsRoles},
		{Next: OrderStatusHold, Roles: opsRoles},
	},
	OrderStatusHold: {
		{Next: OrderStatusShipped, Roles: opsRoles},
		{Next: OrderStatusWaitingInvoice, Roles: opsRoles},
	},
	OrderStatusShipped: {
		{Next: OrderStatusDelivered, Roles: opsRoles},
	},
	OrderStatusDelivered: {
		{Next: OrderStatusCompleted, Roles: allRoles},
	},
}

// cancellableOrderStatuses: cancellation is allowed from any open status that
// has not physically shipped, and admins may cancel a shipped order too
// (returned goods are handled through adjustment postings).
var cancellableOrderStatuses = map[OrderStatus][]UserRole{
	OrderStatusPending:                  allRoles,
	OrderStatusWaitingInvoice:           allRoles,
	OrderStatusAllocated:                allRoles,
	OrderStatusPartiallyFulfilled:       allRoles,
	OrderStatusWaitingPayment:           allRoles,
	OrderStatusWaitingAdminVerification: allRoles,
	OrderStatusDebtPending:              allRoles,
	OrderStatusReadyToShip:              opsRoles,
	OrderStatusHold:                     opsRoles,
	OrderStatusShipped:                  adminOnly,
}

func roleAllowed(roles []UserRole, role UserRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanTransitionOrderStatus reports whether role may move an order from
// current to next under the ordinary transition allow-list.
func CanTransitionOrderStatus(current OrderStatus, next OrderStatus, role UserRole) bool {
	if next == OrderStatusCanceled {
		roles, ok := cancellableOrderStatuses[current]
		return ok && roleAllowed(roles, role)
	}
	for _, t := range orderStatusTransitions[current] {
		if t.Next == next {
			return roleAllowed(t.Roles, role)
		}
	}
	return false
}

// OrderStatusRank exposes the progress rank for the promotion guard.
func OrderStatusRank(s OrderStatus) int {
	return orderStatusRank[s]
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusExpired || s == OrderStatusCompleted
}

/* Allocation */

type AllocationStatus string

const (
	AllocationStatusActive   AllocationStatus = "active"
	AllocationStatusReleased AllocationStatus = "released"
)

type AllocationResult string

const (
	AllocationResultFull    AllocationResult = "fully_allocated"
	AllocationResultPartial AllocationResult = "partially_allocated"
	AllocationResultPending AllocationResult = "backorder_pending"
)

type BackorderStatus string

const (
	BackorderStatusWaitingStock BackorderStatus = "waiting_stock"
	BackorderStatusFulfilled    BackorderStatus = "fulfilled"
	BackorderStatusCanceled     BackorderStatus = "canceled"
)

/* Inventory costing */

type CostMovementKind string

const (
	CostMovementIn              CostMovementKind = "in"
	CostMovementOut             CostMovementKind = "out"
	CostMovementAdjustmentPlus  CostMovementKind = "adjustment_plus"
	CostMovementAdjustmentMinus CostMovementKind = "adjustment_minus"
)

/* Cross-module references */

type ReferenceType string

const (
	ReferenceTypeOrder           ReferenceType = "order"
	ReferenceTypePurchaseReceipt ReferenceType = "purchase_receipt"
	ReferenceTypeStockAdjustment ReferenceType = "stock_adjustment"
	ReferenceTypeJournal         ReferenceType = "journal"
	ReferenceTypeReversal        ReferenceType = "reversal"
)

/* Order issues */

type OrderIssueType string

const (
	OrderIssueTypeShortage OrderIssueType = "shortage"
	OrderIssueTypeManual   OrderIssueType = "manual"
)

type OrderIssueStatus string

const (
	OrderIssueStatusOpen     OrderIssueStatus = "open"
	OrderIssueStatusResolved OrderIssueStatus = "resolved"
)

/* Notification outbox */

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending OutboxPublishStatus = "PENDING"
	OutboxPublishStatusSent    OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed  OutboxPublishStatus = "FAILED"
)

type NotificationEventType string

const (
	NotificationEventOrderStatusChanged NotificationEventType = "order.status_changed"
	NotificationEventAdminRefresh       NotificationEventType = "admin.refresh"
)
