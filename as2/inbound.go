package as2

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/smime"
	"github.com/luckylud/pyas2/store"
)

// ReceiveResult is what the transport layer sends back for an inbound POST.
type ReceiveResult struct {
	// Message is the record created for a business message, nil when the
	// transmission was an asynchronous MDN.
	Message *store.Message

	// MDNHeaders and MDNBody carry the synchronous receipt when one was
	// produced. Both are nil for asynchronous receipts and when the partner
	// requested no MDN.
	MDNHeaders *mimeutil.Header
	MDNBody    []byte

	// Text is the plain acknowledgement used when there is no receipt body.
	Text string
}

// Receive processes one inbound transmission, business message or
// asynchronous MDN. headers are the transport headers in wire order, body
// is the POST body exactly as received.
//
// Processing failures of a business message are folded into the returned
// receipt, not the error; the error reports only conditions the transport
// layer must map onto a response status (ErrInvalidRequest, ErrUnknownMDN)
// or storage faults.
func (e *Engine) Receive(ctx context.Context, headers *mimeutil.Header, body []byte) (*ReceiveResult, error) {
	as2From := headers.Get("as2-from")
	as2To := headers.Get("as2-to")
	wireID := strings.Trim(headers.Get("message-id"), "<>")
	if as2From == "" || as2To == "" || wireID == "" {
		return nil, fmt.Errorf("%w: as2-from, as2-to and message-id headers are required", ErrInvalidRequest)
	}
	orgName := profile.UnescapeName(as2To)
	partnerName := profile.UnescapeName(as2From)

	e.log.Info().
		Str("message", wireID).
		Str("from", partnerName).
		Str("to", orgName).
		Msg("as2 transmission received")

	raw := rawTransmission(headers, body)
	rawName := store.CompositeID(wireID, orgName, partnerName)
	rawPath, err := e.files.Store(e.files.RawReceiveDir(), rawName, raw, true)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("file", rawPath).Msg("raw transmission captured")

	payload, parseErr := mimeutil.Parse(raw)
	if parseErr == nil {
		if report := findMDNReport(payload); report != nil {
			text, err := e.receiveAsyncMDN(ctx, report, raw, orgName, partnerName)
			if err != nil {
				return nil, err
			}
			return &ReceiveResult{Text: text}, nil
		}
	}
	return e.receiveMessage(ctx, headers, payload, parseErr, raw, wireID, orgName, partnerName)
}

// rawTransmission reconstructs the on-disk and parseable form of a
// transmission: transport headers, blank line, body.
func rawTransmission(headers *mimeutil.Header, body []byte) []byte {
	var buf bytes.Buffer
	_ = headers.WriteTo(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// findMDNReport returns the disposition report entity when the transmission
// is an MDN, nil when it is a business message.
func findMDNReport(payload *mimeutil.Part) *mimeutil.Part {
	switch payload.ContentType() {
	case "multipart/report":
		return payload
	case "multipart/signed":
		if report, err := payload.FindPart("multipart/report"); err == nil {
			return report
		}
	}
	return nil
}

// receiveMessage handles a business transmission: duplicate screening, a
// fresh message record, the unwrap pipeline and the disposition response.
func (e *Engine) receiveMessage(ctx context.Context, headers *mimeutil.Header, payload *mimeutil.Part, parseErr error, raw []byte, wireID, orgName, partnerName string) (*ReceiveResult, error) {
	org, orgErr := e.profiles.Organization(orgName)
	partner, partnerErr := e.profiles.Partner(partnerName)

	msg := &store.Message{
		ID:        store.CompositeID(wireID, orgName, partnerName),
		MessageID: wireID,
		Direction: store.DirectionInbound,
		Status:    store.StatusInProcess,
		Headers:   headerLines(headers),
	}
	if orgErr == nil {
		msg.Organization = org.As2Name
	}
	if partnerErr == nil {
		msg.Partner = partner.As2Name
	}

	// Replays get their own record so the first exchange stays untouched.
	// The suffix is derived from the raw bytes: identical retransmissions
	// land on the same id and are extended further by createInbound.
	var procErr error
	if orgErr == nil && partnerErr == nil {
		seen, err := e.records.SeenMessage(ctx, wireID, orgName, partnerName)
		if err != nil {
			return nil, err
		}
		if seen {
			msg.MessageID = wireID + "_" + rawDigest(raw)
			msg.ID = store.CompositeID(msg.MessageID, orgName, partnerName)
			procErr = fmt.Errorf("%w: message <%s> already received from partner", ErrDuplicateDocument, wireID)
		}
	}
	if err := e.createInbound(ctx, msg, orgName, partnerName); err != nil {
		return nil, err
	}

	var deliveredPath string
	if procErr == nil {
		deliveredPath, procErr = e.processInbound(ctx, msg, org, partner, payload, parseErr, raw, headers)
	}

	mdnHeaders, mdnBody, err := e.buildMDN(ctx, msg, org, partner, headers, procErr)
	if err != nil {
		// A failed receipt never changes the stored message outcome.
		e.log.Error().Err(err).Str("message", msg.ID).Msg("building mdn failed")
		e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Failed to build the mdn, error is %v", err))
	}
	if procErr == nil {
		e.runPostReceive(ctx, msg, partner, deliveredPath)
	}

	result := &ReceiveResult{Message: msg, Text: "AS2 message has been received"}
	if err == nil && mdnBody != nil {
		result.MDNHeaders = mdnHeaders
		result.MDNBody = mdnBody
	}
	return result, nil
}

// createInbound persists the fresh record, extending the key when even the
// suffixed id collides (identical bytes replayed more than twice).
func (e *Engine) createInbound(ctx context.Context, msg *store.Message, orgName, partnerName string) error {
	err := e.records.CreateMessage(ctx, msg)
	for seq := 2; errors.Is(err, store.ErrDuplicateID); seq++ {
		if seq > 99 {
			return err
		}
		msg.ID = store.CompositeID(fmt.Sprintf("%s_%d", msg.MessageID, seq), orgName, partnerName)
		err = e.records.CreateMessage(ctx, msg)
	}
	return err
}

func rawDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}

// processInbound unwraps the payload per the partner contract (decrypt,
// verify, decompress) and delivers the document to the organization inbox.
// It returns the delivered path for the post receive hook.
func (e *Engine) processInbound(ctx context.Context, msg *store.Message, org *profile.Organization, partner *profile.Partner, payload *mimeutil.Part, parseErr error, raw []byte, headers *mimeutil.Header) (string, error) {
	e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Processing incoming AS2 message %s", msg.MessageID))

	if org == nil {
		return "", fmt.Errorf("%w: unknown AS2 organization with id <%s>", profile.ErrOrganizationNotFound, headers.Get("as2-to"))
	}
	if partner == nil {
		return "", fmt.Errorf("%w: unknown AS2 partner with id <%s>", profile.ErrPartnerNotFound, headers.Get("as2-from"))
	}
	e.logMessage(ctx, msg, store.StatusSuccess,
		fmt.Sprintf("Message is for Organization <%s> from Partner <%s>", org.As2Name, partner.As2Name))

	if parseErr != nil {
		return "", fmt.Errorf("parsing message content: %w", parseErr)
	}

	working := raw
	current := payload
	advertisedName := payload.Header.Filename()

	if partner.Encryption != "" && current.ContentType() != "application/pkcs7-mime" {
		return "", fmt.Errorf("%w: incoming messages from AS2 partner <%s> are defined to be encrypted",
			ErrInsufficientSecurity, partner.As2Name)
	}
	if current.ContentType() == "application/pkcs7-mime" && current.ContentTypeParam("smime-type") == "enveloped-data" {
		e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Decrypting the payload using private key %s", org.As2Name))
		msg.Encrypted = true
		if org.EncryptionKey == nil {
			return "", fmt.Errorf("%w: organization <%s> has no decryption key", smime.ErrDecryptionFailed, org.As2Name)
		}
		plain, err := smime.Decrypt(envelopeDER(current), org.EncryptionKey.Certificate, org.EncryptionKey.Key)
		if err != nil {
			return "", err
		}
		working = plain
		current = parseInner(plain, advertisedName)
	}

	if partner.Signature != "" && current.ContentType() != "multipart/signed" {
		return "", fmt.Errorf("%w: incoming messages from AS2 partner <%s> are defined to be signed",
			ErrInsufficientSecurity, partner.As2Name)
	}
	if current.ContentType() == "multipart/signed" {
		if partner.SignatureCert == nil {
			return "", fmt.Errorf("%w: partner has no signature verification key defined", ErrInsufficientSecurity)
		}
		e.logMessage(ctx, msg, store.StatusSuccess,
			fmt.Sprintf("Message is signed, Verifying it using public key %s", partner.As2Name))
		msg.Signed = true
		micAlg := smime.NormalizeDigestAlgorithm(current.ContentTypeParam("micalg"))

		contentRaw, signature, err := mimeutil.ExtractSignedParts(working, current.Header.Boundary())
		if err != nil {
			return "", fmt.Errorf("%w: %v", smime.ErrInvalidSignature, err)
		}
		inner := signedContent(current)
		if inner == nil {
			return "", fmt.Errorf("%w: signed content part missing", smime.ErrInvalidSignature)
		}

		pinned := partner.SignatureCert.Certificate
		anchors := partner.SignatureCert.VerifyPool()
		if err := smime.Verify(contentRaw, signature, pinned, anchors, partner.SignatureCert.VerifyChain); err != nil {
			// Some stacks sign a reflowed form of the part rather than the
			// wire bytes; retry over the canonical serialisation.
			canonical := mimeutil.EnsureTrailingCRLF(mimeutil.CanonicalBytes(inner))
			if err := smime.Verify(canonical, signature, pinned, anchors, partner.SignatureCert.VerifyChain); err != nil {
				return "", err
			}
		}
		msg.MIC = smime.MIC(mimeutil.CanonicalBytes(inner), micAlg) + ", " + micAlg
		current = inner
	}

	if current.ContentType() == "application/pkcs7-mime" && current.ContentTypeParam("smime-type") == "compressed-data" {
		e.logMessage(ctx, msg, store.StatusSuccess, "Decompressing the payload")
		msg.Compressed = true
		plain, err := smime.Decompress(envelopeDER(current))
		if err != nil {
			return "", err
		}
		current = parseInner(plain, advertisedName)
	}

	content, err := current.DecodeBody()
	if err != nil {
		return "", fmt.Errorf("decoding payload body: %w", err)
	}

	filename := msg.MessageID + ".msg"
	if name := current.Header.Filename(); partner.KeepFilename && name != "" {
		filename = name
	}
	deliveredPath, err := e.files.Store(e.files.InboxDir(org.As2Name, partner.As2Name), filename, content, false)
	if err != nil {
		return "", err
	}
	storedPath, err := e.files.Store(e.files.PayloadReceiveDir(), msg.MessageID, content, true)
	if err != nil {
		return "", err
	}
	e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Message saved successfully to %s", deliveredPath))

	msg.PayloadName = filename
	msg.PayloadType = current.ContentType()
	msg.PayloadFile = storedPath
	return deliveredPath, nil
}

// signedContent returns the first entity of a multipart/signed that is not
// the detached signature.
func signedContent(signed *mimeutil.Part) *mimeutil.Part {
	for _, sub := range signed.Subparts {
		switch strings.ToLower(sub.ContentType()) {
		case "application/pkcs7-signature", "application/x-pkcs7-signature":
		default:
			return sub
		}
	}
	return nil
}

// envelopeDER normalises a pkcs7-mime body to DER. Partners ship these both
// base64 armoured and raw binary, not always with a matching transfer
// encoding header.
func envelopeDER(p *mimeutil.Part) []byte {
	if mimeutil.LooksBase64(p.Body) {
		if der, err := mimeutil.DecodeBase64(p.Body); err == nil {
			return der
		}
	}
	return p.Body
}

// parseInner interprets decrypted or decompressed bytes as a MIME entity.
// Content with no MIME structure of its own (some stacks encrypt the bare
// document) is wrapped as an edi-consent attachment, keeping the filename
// advertised on the envelope when one was present.
func parseInner(content []byte, filename string) *mimeutil.Part {
	p, err := mimeutil.Parse(content)
	if err == nil && p.Header.Has("Content-Type") {
		return p
	}
	wrapped := mimeutil.NewPart()
	wrapped.Header.Append("Content-Type", defaultPayloadType)
	if filename != "" {
		wrapped.Header.Append("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	wrapped.Body = content
	return wrapped
}
