package app

import (
	"context"
	"time"

	"esclbot/internal/escl/account"
	"esclbot/internal/escl/credential"
	"esclbot/internal/storage"
	logx "esclbot/pkg/logx"
)

// auditedAccounts records status transitions made outside the chat layer
// (401 invalidation, periodic verification) in the audit store.
type auditedAccounts struct {
	*account.Manager
	audit storage.Store
	log   logx.Logger
}

func (a *auditedAccounts) MarkInvalid(ctx context.Context, ref account.Ref, at time.Time) error {
	if err := a.Manager.MarkInvalid(ctx, ref, at); err != nil {
		return err
	}
	a.record(ctx, storage.ActionAccountInvalid, ref)
	return nil
}

// MarkActive audits only accounts that were not active before.
func (a *auditedAccounts) MarkActive(ctx context.Context, ref account.Ref, at time.Time) error {
	prev, ok, err := a.Manager.GetAccount(ctx, ref.UserID, ref.AccountID)
	if err != nil {
		return err
	}
	if err := a.Manager.MarkActive(ctx, ref, at); err != nil {
		return err
	}
	if ok && prev.Status != credential.StatusActive {
		a.record(ctx, storage.ActionAccountActive, ref)
	}
	return nil
}

func (a *auditedAccounts) record(ctx context.Context, action string, ref account.Ref) {
	if a.audit == nil {
		return
	}
	err := a.audit.AppendAudit(context.WithoutCancel(ctx), storage.AuditEntry{
		ActorID:   ref.UserID,
		Action:    action,
		AccountID: ref.AccountID,
		OK:        true,
	})
	if err != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
