package as2_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/as2test"
	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/store"
)

func TestMICMismatchMarksWarning(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.Signature = "sha1"
	x.remote.MDN = true

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	// Diverge the stored digest from what goes on the wire; the receipt
	// then reports a MIC the sender cannot match.
	msg.MIC = "dGFtcGVyZWQtZGlnZXN0"
	require.NoError(t, x.tc.Records.UpdateMessage(ctx, msg))

	require.NoError(t, x.engine.Send(ctx, msg, body))

	out := x.reload(t, msg.ID)
	assert.Equal(t, store.StatusWarning, out.Status)

	// The exchange itself succeeded on the receiving side.
	in := x.inboundRecord(t, msg.MessageID)
	assert.Equal(t, store.StatusSuccess, in.Status)
}

func TestFailureDispositionFailsSender(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.inbound.Encryption = "des_ede3_cbc"
	x.remote.MDN = true

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.ErrorIs(t, err, as2.ErrMDNFailure)

	out := x.reload(t, msg.ID)
	assert.Equal(t, store.StatusError, out.Status)
	assert.Contains(t, out.AdvStatus, "insufficient-message-security")

	in := x.inboundRecord(t, msg.MessageID)
	assert.Equal(t, store.StatusError, in.Status)
	assert.Equal(t, "insufficient-message-security", in.AdvStatus)
}

func TestUnsignedMDNWhenSignedExpected(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.MDN = true
	x.remote.MDNSign = "sha1"

	// Without a signature key the receiving organization falls back to an
	// unsigned receipt.
	org, err := x.tc.Profiles.Organization("as2server")
	require.NoError(t, err)
	org.SignatureKey = nil

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	out := x.reload(t, msg.ID)
	assert.Equal(t, store.StatusSuccess, out.Status)

	logs, err := x.tc.Records.Logs(ctx, out.ID)
	require.NoError(t, err)
	var warned bool
	for _, l := range logs {
		if l.Status == store.StatusWarning && l.Text == "Expected signed MDN but unsigned MDN returned" {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning log about the unsigned mdn")
}

func TestSyncResponseWithoutReportFailsSend(t *testing.T) {
	ctx := context.Background()
	tc := as2test.NewTestContext(t, as2test.TestConfig{})

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Message-ID", "<junk@remote>")
		_, _ = io.WriteString(w, "thanks, no receipt here")
	}))
	t.Cleanup(bad.Close)

	serverID := as2test.NewIdentity(t, "as2server")
	clientID := as2test.NewIdentity(t, "as2client")
	tc.AddOrganization(clientID)
	remote := tc.AddPartner(serverID)
	remote.TargetURL = bad.URL
	remote.MDN = true

	eng := as2.New(tc.Profiles, tc.Records, as2.WithLogger(tc.Log))
	msg, err := eng.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.ErrorIs(t, err, as2.ErrMDNReportMissing)

	out, err := tc.Records.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, out.Status)
}

func TestUnknownAsyncMDNRejected(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)

	report := mimeutil.NewPart()
	report.Header.Append("Content-Type", `multipart/report; report-type=disposition-notification; boundary="----=_Part_deadbeef"`)

	text := mimeutil.NewPart()
	text.Header.Append("Content-Type", `text/plain; charset="us-ascii"`)
	text.Body = []byte("processed\r\n")
	notification := mimeutil.NewPart()
	notification.Header.Append("Content-Type", `message/disposition-notification; charset="us-ascii"`)
	notification.Body = []byte("Reporting-UA: test\r\n" +
		"Original-Message-ID: <no-such-message@nowhere>\r\n" +
		"Disposition: automatic-action/MDN-sent-automatically; processed\r\n")
	report.Subparts = []*mimeutil.Part{text, notification}

	hdr := mimeutil.NewHeader()
	hdr.Append("as2-from", "as2server")
	hdr.Append("as2-to", "as2client")
	hdr.Append("message-id", "<stray-mdn@remote>")
	hdr.Append("content-type", report.Header.Get("Content-Type"))

	_, err := x.engine.Receive(ctx, hdr, report.BodyBytes())
	require.ErrorIs(t, err, as2.ErrUnknownMDN)
}
