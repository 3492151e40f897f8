// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/config"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

func creditsFeature(cost int64) config.Feature {
	return config.Feature{
		Key:     "assistant",
		Cost:    cost,
		Enabled: true,
	}
}

func TestAuthorize_FeatureDisabled(t *testing.T) {
	_, ledger, _ := newTestStore(t)

	feat := creditsFeature(5)
	feat.Enabled = false

	_, err := ledger.Authorize(context.Background(), "user-1", feat, config.AccessCredits)
	assert.ErrorIs(t, err, datatypes.ErrFeatureDisabled)
}

func TestAuthorize_Free(t *testing.T) {
	_, ledger, _ := newTestStore(t)

	// No balance row at all; free access never reads one.
	dec, err := ledger.Authorize(context.Background(), "user-1", creditsFeature(5), config.AccessFree)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dec.Cost)
}

func TestAuthorize_Credits(t *testing.T) {
	_, ledger, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, ledger.SetBalance(ctx, "user-1", 10))

	dec, err := ledger.Authorize(ctx, "user-1", creditsFeature(5), config.AccessCredits)
	require.NoError(t, err)
	assert.Equal(t, int64(5), dec.Cost)

	// Balance 3 < cost 5.
	require.NoError(t, ledger.SetBalance(ctx, "user-1", 3))
	_, err = ledger.Authorize(ctx, "user-1", creditsFeature(5), config.AccessCredits)
	assert.ErrorIs(t, err, datatypes.ErrInsufficientCredits)

	// Unknown user means zero balance.
	_, err = ledger.Authorize(ctx, "user-2", creditsFeature(5), config.AccessCredits)
	assert.ErrorIs(t, err, datatypes.ErrInsufficientCredits)
}

func TestAuthorize_Subscription(t *testing.T) {
	_, ledger, _ := newTestStore(t)
	ctx := context.Background()

	_, err := ledger.Authorize(ctx, "user-1", creditsFeature(5), config.AccessSubscription)
	assert.ErrorIs(t, err, datatypes.ErrSubscriptionRequired)

	require.NoError(t, ledger.SetSubscription(ctx, datatypes.Subscription{
		UserID: "user-1",
		Active: true,
		Plan:   "pro",
	}))

	dec, err := ledger.Authorize(ctx, "user-1", creditsFeature(5), config.AccessSubscription)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dec.Cost)
	assert.True(t, dec.Subscriber)

	// Expired subscriptions do not count.
	require.NoError(t, ledger.SetSubscription(ctx, datatypes.Subscription{
		UserID:    "user-2",
		Active:    true,
		Plan:      "pro",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}))
	_, err = ledger.Authorize(ctx, "user-2", creditsFeature(5), config.AccessSubscription)
	assert.ErrorIs(t, err, datatypes.ErrSubscriptionRequired)
}

func TestAuthorize_HybridDiscount(t *testing.T) {
	_, ledger, _ := newTestStore(t)
	ctx := context.Background()

	discounted := int64(2)
	feat := creditsFeature(5)
	feat.SubscriberCost = &discounted

	require.NoError(t, ledger.SetBalance(ctx, "user-1", 3))

	// Non-subscriber pays full price; 3 < 5 rejects.
	_, err := ledger.Authorize(ctx, "user-1", feat, config.AccessHybrid)
	assert.ErrorIs(t, err, datatypes.ErrInsufficientCredits)

	// Subscriber pays the discounted price; 3 >= 2 admits.
	require.NoError(t, ledger.SetSubscription(ctx, datatypes.Subscription{
		UserID: "user-1", Active: true, Plan: "pro",
	}))
	dec, err := ledger.Authorize(ctx, "user-1", feat, config.AccessHybrid)
	require.NoError(t, err)
	assert.Equal(t, discounted, dec.Cost)
}

func TestDebit_RecordsAnomalyOnNegativeBalance(t *testing.T) {
	msgs, ledger, fin := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, ledger.SetBalance(ctx, "user-1", 10))

	turn, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q", 5)
	require.NoError(t, err)

	// A concurrent spend drains the balance between authorize and
	// finalize. The debit still applies; the answer is not rolled back.
	require.NoError(t, ledger.SetBalance(ctx, "user-1", 2))

	applied, _, err := fin.Finalize(ctx, turn.AssistantMessage.ID, "answer", true)
	require.NoError(t, err)
	require.True(t, applied)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), balance)

	debit, found, err := ledger.DebitFor(ctx, turn.AssistantMessage.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), debit.BalanceBefore)
	assert.Equal(t, int64(-3), debit.BalanceAfter)
}
