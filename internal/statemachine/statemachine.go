package statemachine

import (
	"fmt"
	"strings"
)

// Kind identifies a stateful entity family with its own transition table.
type Kind string

const (
	KindUser     Kind = "USER"
	KindProvider Kind = "PROVIDER"
	KindService  Kind = "SERVICE"
	KindOrder    Kind = "ORDER"
	KindPayment  Kind = "PAYMENT"
	KindWalletTx Kind = "WALLET_TX"
)

// User statuses
const (
	UserActive      = "ACTIVE"
	UserBlocked     = "BLOCKED"
	UserDeactivated = "DEACTIVATED"
	UserDeleted     = "DELETED"
)

// Provider statuses
const (
	ProviderPending   = "PENDING"
	ProviderApproved  = "APPROVED"
	ProviderSuspended = "SUSPENDED"
	ProviderRejected  = "REJECTED"
)

// Service statuses
const (
	ServiceDraft               = "DRAFT"
	ServicePendingVerification = "PENDING_VERIFICATION"
	ServiceActive              = "ACTIVE"
	ServiceSuspended           = "SUSPENDED"
	ServiceRejected            = "REJECTED"
)

// Order statuses
const (
	OrderPending    = "PENDING"
	OrderAccepted   = "ACCEPTED"
	OrderInProgress = "IN_PROGRESS"
	OrderCompleted  = "COMPLETED"
	OrderCancelled  = "CANCELLED"
	OrderRejected   = "REJECTED"
)

// Payment statuses
const (
	PaymentPending    = "PENDING"
	PaymentProcessing = "PROCESSING"
	PaymentCompleted  = "COMPLETED"
	PaymentFailed     = "FAILED"
	PaymentCancelled  = "CANCELLED"
)

// Wallet transaction statuses
const (
	WalletTxInitiated = "INITIATED"
	WalletTxPosted    = "POSTED"
	WalletTxFailed    = "FAILED"
	WalletTxReversed  = "REVERSED"
)

// transitions maps each kind to its closed set of legal status changes.
// Terminal states appear with an empty target set so unknown states are
// distinguishable from dead ends.
var transitions = map[Kind]map[string][]string{
	KindUser: {
		UserActive:      {UserBlocked, UserDeactivated, UserDeleted},
		UserBlocked:     {UserActive, UserDeleted},
		UserDeactivated: {UserActive, UserDeleted},
		UserDeleted:     {},
	},
	KindProvider: {
		ProviderPending:   {ProviderApproved, ProviderRejected},
		ProviderApproved:  {ProviderSuspended, ProviderRejected},
		ProviderSuspended: {ProviderApproved, ProviderRejected},
		ProviderRejected:  {},
	},
	KindService: {
		ServiceDraft:               {ServicePendingVerification},
		ServicePendingVerification: {ServiceActive, ServiceRejected},
		ServiceActive:              {ServiceSuspended, ServiceRejected},
		ServiceSuspended:           {ServiceActive, ServiceRejected},
		ServiceRejected:            {},
	},
	KindOrder: {
		OrderPending:    {OrderAccepted, OrderCancelled, OrderRejected},
		OrderAccepted:   {OrderInProgress, OrderCancelled},
		OrderInProgress: {OrderCompleted},
		OrderCompleted:  {},
		OrderCancelled:  {},
		OrderRejected:   {},
	},
	KindPayment: {
		PaymentPending:    {PaymentProcessing, PaymentFailed, PaymentCancelled},
		PaymentProcessing: {PaymentCompleted, PaymentFailed},
		PaymentCompleted:  {},
		PaymentFailed:     {},
		PaymentCancelled:  {},
	},
	KindWalletTx: {
		WalletTxInitiated: {WalletTxPosted, WalletTxFailed},
		WalletTxPosted:    {WalletTxReversed},
		WalletTxFailed:    {},
		WalletTxReversed:  {},
	},
}

// ConflictError reports an illegal status transition. The api layer maps it
// to a 409 response.
type ConflictError struct {
	Kind Kind
	From string
	To   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.Kind, e.From, e.To)
}

// CanTransition reports whether from -> to is a legal transition for kind.
// It is total: unknown kinds and unknown states yield false, never a panic.
// Kind and state matching is case-insensitive. Re-asserting the current
// state is not a legal transition; callers treat it as a no-op before
// consulting the engine.
func CanTransition(kind Kind, from, to string) bool {
	table, ok := transitions[Kind(strings.ToUpper(string(kind)))]
	if !ok {
		return false
	}

	allowed, ok := table[strings.ToUpper(from)]
	if !ok {
		return false
	}

	target := strings.ToUpper(to)
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// AssertTransition returns a *ConflictError when from -> to is not legal for
// kind, and nil otherwise.
func AssertTransition(kind Kind, from, to string) error {
	if CanTransition(kind, from, to) {
		return nil
	}
	return &ConflictError{Kind: kind, From: from, To: to}
}
