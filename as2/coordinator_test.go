package as2_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/as2test"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

func TestRetryFailedSendsBounded(t *testing.T) {
	ctx := context.Background()
	tc := as2test.NewTestContext(t, as2test.TestConfig{})

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not today", http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)

	clientID := as2test.NewIdentity(t, "as2client")
	serverID := as2test.NewIdentity(t, "as2server")
	tc.AddOrganization(clientID)
	remote := tc.AddPartner(serverID)
	remote.TargetURL = dead.URL

	notifier := &recordingNotifier{}
	eng := as2.New(tc.Profiles, tc.Records,
		as2.WithLogger(tc.Log),
		as2.WithMaxRetries(2),
		as2.WithNotifier(notifier))

	msg, err := eng.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.Error(t, err)
	require.NotNil(t, msg)

	out, err := tc.Records.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetry, out.Status)
	assert.Equal(t, 1, notifier.count())

	// Two retries fit the budget, the third pass only marks exhaustion.
	for i := 1; i <= 2; i++ {
		attempts, err := eng.RetryFailedSends(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)

		out, err = tc.Records.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRetry, out.Status)
		assert.Equal(t, i, out.Retries)
	}
	attempts, err := eng.RetryFailedSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)

	out, err = tc.Records.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, out.Status)
	assert.Equal(t, 3, out.Retries)

	// Nothing left in the retry queue.
	attempts, err = eng.RetryFailedSends(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestAsyncReceiptDeliveryBounded(t *testing.T) {
	ctx := context.Background()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unreachable", http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	// Receipts queue for a return url that never accepts them.
	x := newExchange(t, as2.WithMDNURL(dead.URL), as2.WithMaxRetries(2))
	x.configure(wireContract{sign: "sha1", mdn: true, mdnSign: "sha1"})
	x.remote.MDNMode = profile.MDNModeAsync

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, x.reload(t, msg.ID).Status)

	in := x.inboundRecord(t, msg.MessageID)
	require.NotEmpty(t, in.MDNID)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, x.engine.SendPendingMDNs(ctx))
		mdn, err := x.tc.Records.GetMDN(ctx, in.MDNID)
		require.NoError(t, err)
		assert.Equal(t, store.MDNPending, mdn.Status)
		assert.Equal(t, attempt, mdn.Retries)
	}
	require.NoError(t, x.engine.SendPendingMDNs(ctx))
	mdn, err := x.tc.Records.GetMDN(ctx, in.MDNID)
	require.NoError(t, err)
	assert.Equal(t, store.MDNFailed, mdn.Status)
	assert.Equal(t, 3, mdn.Retries)

	// A failed receipt stays failed: no further attempts.
	require.NoError(t, x.engine.SendPendingMDNs(ctx))
	mdn, err = x.tc.Records.GetMDN(ctx, in.MDNID)
	require.NoError(t, err)
	assert.Equal(t, 3, mdn.Retries)
}

func TestExpireUnacknowledged(t *testing.T) {
	ctx := context.Background()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unreachable", http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	x := newExchange(t, as2.WithMDNURL(dead.URL))
	x.configure(wireContract{sign: "sha1", mdn: true})
	x.remote.MDNMode = profile.MDNModeAsync

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, x.reload(t, msg.ID).Status)

	// Within the wait threshold nothing expires.
	expired, err := x.engine.ExpireUnacknowledged(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Equal(t, store.StatusPending, x.reload(t, msg.ID).Status)

	expired, err = x.engine.ExpireUnacknowledged(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	out := x.reload(t, msg.ID)
	assert.Equal(t, store.StatusError, out.Status)
	assert.Equal(t, "Failed to receive asynchronous MDN within the threshold limit", out.AdvStatus)
}
