// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/config"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// =============================================================================
// Quota Ledger
// =============================================================================

// Ledger answers "may this user start a turn" and records usage debits.
//
// # Description
//
// Authorization at turn start is a snapshot read: it admits or rejects
// the turn but reserves nothing. The actual debit happens inside the
// finalize transaction (DebitInTxn), which is the only place credits
// are consumed. Between the two, a user's balance can change; the
// debit is applied regardless and a negative result is recorded as an
// anomaly rather than rolled back, because the answer has already been
// delivered and cannot be taken back.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ledger struct {
	db *DB
}

// NewLedger creates a Ledger over the given database.
func NewLedger(db *DB) *Ledger {
	if db == nil {
		panic("NewLedger: db must not be nil")
	}
	return &Ledger{db: db}
}

// Decision is the outcome of a successful authorization.
type Decision struct {
	// Cost is the amount to record on the assistant row and debit at
	// finalize. Zero for free access and for fully-covered subscribers.
	Cost int64

	// Subscriber reports whether an active subscription was found.
	Subscriber bool
}

// Authorize checks whether userID may start a turn on the feature.
//
// # Outputs
//
//   - Decision: The effective cost for this user, on success.
//   - error: datatypes.ErrFeatureDisabled, ErrInsufficientCredits, or
//     ErrSubscriptionRequired for policy rejections; anything else is
//     a storage failure.
func (l *Ledger) Authorize(ctx context.Context, userID string, feat config.Feature, access config.AccessMode) (Decision, error) {
	if !feat.Enabled {
		return Decision{}, datatypes.ErrFeatureDisabled
	}

	var dec Decision
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		subscriber, err := activeSubscription(txn, userID)
		if err != nil {
			return err
		}
		dec.Subscriber = subscriber
		dec.Cost = feat.EffectiveCost(access, subscriber)

		switch access {
		case config.AccessFree:
			return nil

		case config.AccessSubscription:
			if !subscriber {
				return datatypes.ErrSubscriptionRequired
			}
			return nil

		case config.AccessCredits:
			return checkBalance(txn, userID, dec.Cost)

		case config.AccessHybrid:
			// Subscribers pay the discounted cost, others the full
			// cost; either way it comes out of credits.
			return checkBalance(txn, userID, dec.Cost)

		default:
			return fmt.Errorf("unknown access mode %q", access)
		}
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

func checkBalance(txn *badger.Txn, userID string, cost int64) error {
	if cost <= 0 {
		return nil
	}
	var balance int64
	if _, err := getJSON(txn, prefixBalance+userID, &balance); err != nil {
		return err
	}
	if balance < cost {
		return datatypes.ErrInsufficientCredits
	}
	return nil
}

func activeSubscription(txn *badger.Txn, userID string) (bool, error) {
	var sub datatypes.Subscription
	found, err := getJSON(txn, prefixSubscription+userID, &sub)
	if err != nil || !found {
		return false, err
	}
	if !sub.Active {
		return false, nil
	}
	if !sub.ExpiresAt.IsZero() && sub.ExpiresAt.Before(time.Now().UTC()) {
		return false, nil
	}
	return true, nil
}

// DebitInTxn records a usage debit and mutates the balance inside the
// caller's transaction. The caller (the finalizer) guarantees this is
// reached at most once per message. If the balance has dropped below
// the amount since authorization, the debit is still applied and an
// anomaly row is written; the balance may go negative.
func (l *Ledger) DebitInTxn(txn *badger.Txn, messageID, userID string, amount int64) (datatypes.UsageDebit, error) {
	var balance int64
	if _, err := getJSON(txn, prefixBalance+userID, &balance); err != nil {
		return datatypes.UsageDebit{}, err
	}

	debit := datatypes.UsageDebit{
		MessageID:     messageID,
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  balance - amount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := setJSON(txn, prefixDebit+messageID, debit); err != nil {
		return datatypes.UsageDebit{}, err
	}
	if err := setJSON(txn, prefixBalance+userID, debit.BalanceAfter); err != nil {
		return datatypes.UsageDebit{}, err
	}

	if debit.BalanceAfter < 0 {
		anomaly := map[string]interface{}{
			"kind":          "negative_balance",
			"message_id":    messageID,
			"user_id":       userID,
			"amount":        amount,
			"balance_after": debit.BalanceAfter,
			"recorded_at":   debit.CreatedAt,
		}
		if err := setJSON(txn, prefixAnomaly+messageID, anomaly); err != nil {
			return datatypes.UsageDebit{}, err
		}
		slog.Warn("debit drove balance negative",
			"user_id", userID,
			"message_id", messageID,
			"balance_after", debit.BalanceAfter,
		)
	}
	return debit, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Balance returns the user's current credit balance. Unknown users
// have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := getJSON(txn, prefixBalance+userID, &balance)
		return err
	})
	return balance, err
}

// SetBalance overwrites the user's credit balance. Top-ups and refunds
// are an external concern; this is their write path.
func (l *Ledger) SetBalance(ctx context.Context, userID string, balance int64) error {
	return l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixBalance+userID, balance)
	})
}

// SetSubscription overwrites the user's subscription record.
func (l *Ledger) SetSubscription(ctx context.Context, sub datatypes.Subscription) error {
	return l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixSubscription+sub.UserID, sub)
	})
}

// DebitFor returns the usage debit recorded for a message, if any.
func (l *Ledger) DebitFor(ctx context.Context, messageID string) (datatypes.UsageDebit, bool, error) {
	var debit datatypes.UsageDebit
	var found bool
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixDebit+messageID, &debit)
		return err
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.UsageDebit{}, false, err
	}
	return debit, found, nil
}
