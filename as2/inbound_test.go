package as2_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/as2test"
	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/store"
)

func TestReceiveRequiresIdentificationHeaders(t *testing.T) {
	x := newExchange(t)

	hdr := mimeutil.NewHeader()
	hdr.Append("as2-from", "as2client")
	hdr.Append("content-type", "application/edi-consent")

	_, err := x.engine.Receive(context.Background(), hdr, []byte("ISA*00*\r\n"))
	require.ErrorIs(t, err, as2.ErrInvalidRequest)
}

func TestReceiveUnknownPartner(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)

	hdr := mimeutil.NewHeader()
	hdr.Append("as2-from", "ghost")
	hdr.Append("as2-to", "as2server")
	hdr.Append("message-id", "<unknown-partner-1@test>")
	hdr.Append("content-type", "application/edi-consent")
	hdr.Append("disposition-notification-to", "no-reply@pyas2.com")

	res, err := x.engine.Receive(ctx, hdr, []byte("ISA*00*\r\n"))
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "unknown-trading-partner", res.Message.AdvStatus)
	require.NotNil(t, res.MDNBody)
	assert.Contains(t, string(res.MDNBody), "processed/error: unknown-trading-partner")

	stored := x.reload(t, store.CompositeID("unknown-partner-1@test", "as2server", "ghost"))
	assert.Equal(t, store.StatusError, stored.Status)
}

func TestReceiveEnforcesEncryptionContract(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.inbound.Encryption = "des_ede3_cbc"

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	res, err := x.engine.Receive(ctx, parseStoredHeaders(t, msg.Headers), body)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "insufficient-message-security", res.Message.AdvStatus)
}

func TestReceiveEnforcesSignatureContract(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.inbound.Signature = "sha1"
	x.remote.Encryption = "des_ede3_cbc"

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	res, err := x.engine.Receive(ctx, parseStoredHeaders(t, msg.Headers), body)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "insufficient-message-security", res.Message.AdvStatus)
}

func TestReceiveTamperedSignature(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.Signature = "sha256"

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	tampered := bytes.Replace(body, []byte("ISA*00*"), []byte("ISA*99*"), 1)
	require.NotEqual(t, body, tampered)

	res, err := x.engine.Receive(ctx, parseStoredHeaders(t, msg.Headers), tampered)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "integrity-check-failed", res.Message.AdvStatus)
}

func TestReceiveWrongSignerCertificate(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.Signature = "sha256"
	// The receiving side has a different certificate on file for as2client,
	// so a signature that checks out against its own embedded certificate
	// still fails.
	x.inbound.SignatureCert = as2test.NewIdentity(t, "impostor").Public()

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	res, err := x.engine.Receive(ctx, parseStoredHeaders(t, msg.Headers), body)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "integrity-check-failed", res.Message.AdvStatus)
}

func TestReceiveTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.Encryption = "aes_128_cbc"

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	// Invalidate the base64 armour so the envelope cannot be opened.
	tampered := bytes.Clone(body)
	tampered[10] = '*'

	res, err := x.engine.Receive(ctx, parseStoredHeaders(t, msg.Headers), tampered)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, res.Message.Status)
	assert.Equal(t, "decryption-failed", res.Message.AdvStatus)
}

func TestDuplicateReplayKeepsFirstExchange(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.remote.MDN = true

	msg, body, err := x.engine.Build(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)
	require.NoError(t, x.engine.Send(ctx, msg, body))

	hdr := parseStoredHeaders(t, msg.Headers)
	res, err := x.engine.Receive(ctx, hdr, body)
	require.NoError(t, err)

	dup := res.Message
	assert.Equal(t, store.StatusError, dup.Status)
	assert.Equal(t, "duplicate-document", dup.AdvStatus)
	assert.True(t, strings.HasPrefix(dup.MessageID, msg.MessageID+"_"),
		"duplicate record id %q should extend the wire id", dup.MessageID)
	require.NotNil(t, res.MDNBody)
	assert.Contains(t, string(res.MDNBody), "processed/warning: duplicate-document")

	first := x.inboundRecord(t, msg.MessageID)
	assert.Equal(t, store.StatusSuccess, first.Status)

	// A third replay of the same bytes still gets its own record.
	res2, err := x.engine.Receive(ctx, hdr, body)
	require.NoError(t, err)
	assert.NotEqual(t, dup.ID, res2.Message.ID)
	assert.Equal(t, "duplicate-document", res2.Message.AdvStatus)
}

func TestReceiveKeepsAdvertisedFilename(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.inbound.KeepFilename = true
	x.remote.Encryption = "des_ede3_cbc"
	x.remote.Signature = "sha1"

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "orders-20260825.edi")
	require.NoError(t, err)

	in := x.inboundRecord(t, msg.MessageID)
	assert.Equal(t, store.StatusSuccess, in.Status)
	assert.Equal(t, "orders-20260825.edi", in.PayloadName)

	delivered, err := os.ReadFile(filepath.Join(x.tc.Files.InboxDir("as2server", "as2client"), "orders-20260825.edi"))
	require.NoError(t, err)
	assert.Equal(t, as2test.TestPayload, delivered)
}

func TestPostReceiveHookRuns(t *testing.T) {
	ctx := context.Background()
	x := newExchange(t)
	x.inbound.CmdReceive = "touch $fullfilename.done"

	msg, err := x.engine.SendPayload(ctx, "as2client", "as2server", as2test.TestPayload, "testmessage.edi")
	require.NoError(t, err)

	in := x.inboundRecord(t, msg.MessageID)
	marker := filepath.Join(x.tc.Files.InboxDir("as2server", "as2client"), in.PayloadName) + ".done"
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, err := os.Stat(marker); err == nil {
			return poll.Success()
		}
		return poll.Continue("waiting for hook marker %s", marker)
	}, poll.WithTimeout(5*time.Second))
}
