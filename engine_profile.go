package acctguard

import (
	"context"
	"errors"
)

// UpdateProfile mutates the profile fields that need no verification. Nil
// fields in update are left as they are.
func (e *Engine) UpdateProfile(ctx context.Context, accountID string, update ProfileUpdate) (*PublicAccount, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, wrapBackendError(err)
	}

	updated, err := e.accounts.Update(ctx, account.ID, AccountUpdate{
		FirstName: update.FirstName,
		LastName:  update.LastName,
		Birthday:  update.Birthday,
		PhotoURL:  update.PhotoURL,
	})
	if err != nil {
		return nil, wrapBackendError(err)
	}

	e.metricInc(MetricProfileUpdated)
	e.emitAudit(ctx, AuditProfileUpdated, true, account.ID, nil, nil)
	return updated.Public(), nil
}

// Account returns the public view of an account by id.
func (e *Engine) Account(ctx context.Context, accountID string) (*PublicAccount, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, wrapBackendError(err)
	}
	return account.Public(), nil
}
