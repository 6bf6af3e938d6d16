package daemon_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/as2test"
	"github.com/luckylud/pyas2/daemon"
	"github.com/luckylud/pyas2/store"
)

func storeArtifact(t *testing.T, tc *as2test.TestContext, dir, name string) string {
	t.Helper()
	path, err := tc.Files.Store(dir, name, []byte("artifact"), true)
	require.NoError(t, err)
	return path
}

func TestCleanupRemovesFinishedRecords(t *testing.T) {
	tc := as2test.NewTestContext(t, as2test.TestConfig{})
	ctx := context.Background()

	oldPayload := storeArtifact(t, tc, tc.Files.PayloadSendDir(), "old.edi")
	oldReceipt := storeArtifact(t, tc, tc.Files.MDNReceiveDir(), "old@station.mdn")
	freshPayload := storeArtifact(t, tc, tc.Files.PayloadSendDir(), "fresh.edi")

	aged := time.Now().UTC().Add(-40 * 24 * time.Hour)

	old := &store.Message{
		MessageID:    "old@station",
		Direction:    store.DirectionOutbound,
		Timestamp:    aged,
		Status:       store.StatusSuccess,
		Organization: "as2client",
		Partner:      "as2server",
		PayloadFile:  oldPayload,
		MDNID:        "old@station.receipt",
	}
	require.NoError(t, tc.Records.CreateMessage(ctx, old))
	require.NoError(t, tc.Records.CreateMDN(ctx, &store.MDN{
		MessageID: "old@station.receipt",
		Status:    store.MDNReceived,
		File:      oldReceipt,
	}))

	fresh := &store.Message{
		MessageID:    "fresh@station",
		Direction:    store.DirectionOutbound,
		Status:       store.StatusSuccess,
		Organization: "as2client",
		Partner:      "as2server",
		PayloadFile:  freshPayload,
	}
	require.NoError(t, tc.Records.CreateMessage(ctx, fresh))

	// Old but still pending: age alone never removes a live exchange.
	stuck := &store.Message{
		MessageID:    "stuck@station",
		Direction:    store.DirectionOutbound,
		Timestamp:    aged,
		Status:       store.StatusPending,
		Organization: "as2client",
		Partner:      "as2server",
	}
	require.NoError(t, tc.Records.CreateMessage(ctx, stuck))

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	removed, err := daemon.Cleanup(ctx, tc.Records, cutoff, tc.Log)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = tc.Records.GetMessage(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrMessageNotFound)
	_, err = tc.Records.GetMDN(ctx, "old@station.receipt")
	require.ErrorIs(t, err, store.ErrMDNNotFound)
	_, err = os.Stat(oldPayload)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(oldReceipt)
	require.True(t, os.IsNotExist(err))

	_, err = tc.Records.GetMessage(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = os.Stat(freshPayload)
	require.NoError(t, err)
	_, err = tc.Records.GetMessage(ctx, stuck.ID)
	require.NoError(t, err)
}

func TestCleanupSweepsAgedPartitions(t *testing.T) {
	tc := as2test.NewTestContext(t, as2test.TestConfig{})
	ctx := context.Background()

	orphan := storeArtifact(t, tc, tc.Files.RawReceiveDir(), "orphan.raw")
	aged := time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, aged, aged))

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	_, err := daemon.Cleanup(ctx, tc.Records, cutoff, tc.Log)
	require.NoError(t, err)

	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	tc := as2test.NewTestContext(t, as2test.TestConfig{})
	engine := as2.New(tc.Profiles, tc.Records, as2.WithLogger(tc.Log))
	c := daemon.New(engine, tc.Records, daemon.Config{
		Interval:        10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, tc.Log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Let a few passes fire against the empty station, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after cancel")
	}
}
