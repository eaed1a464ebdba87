package domain

import "time"

// Account is the per-identity token ledger record.
type Account struct {
	ID           string
	Tokens       int64
	LastClaim    int64 // ms since epoch
	LastRecharge int64 // ms since epoch
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LedgerAction names a balance-changing operation on an Account.
type LedgerAction string

const (
	LedgerActionClaim    LedgerAction = "claim"
	LedgerActionRecharge LedgerAction = "recharge"
	LedgerActionDeploy   LedgerAction = "deploy"
	LedgerActionRefund   LedgerAction = "refund"
	LedgerActionGrant    LedgerAction = "grant"
)
