package as2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/smime"
	"github.com/luckylud/pyas2/store"
)

// Confirmation texts for the human readable part of a receipt. Profiles may
// override the success text, failures always use the fixed one.
const (
	defaultConfirmation = "The AS2 message has been processed. " +
		"Thank you for exchanging AS2 messages with Pyas2."
	failureConfirmation = "The AS2 message could not be processed. " +
		"The disposition-notification report has additional details."
)

// buildMDN persists the final state of an inbound message and renders the
// disposition notification for it. procErr nil reports success, anything
// else is classified into the machine readable disposition modifier.
//
// The returned headers and body are the synchronous receipt; both are nil
// when the partner requested no MDN or asked for asynchronous delivery, in
// which case the receipt is queued for the coordinator.
func (e *Engine) buildMDN(ctx context.Context, msg *store.Message, org *profile.Organization, partner *profile.Partner, origHeaders *mimeutil.Header, procErr error) (*mimeutil.Header, []byte, error) {
	confirmation := defaultConfirmation
	if org != nil && org.ConfirmationMessage != "" {
		confirmation = org.ConfirmationMessage
	}
	if partner != nil && partner.ConfirmationMessage != "" {
		confirmation = partner.ConfirmationMessage
	}

	if procErr != nil {
		text := statusMessage(procErr, msg.MessageID)
		e.notify(ctx, msg, fmt.Sprintf("Failure in processing message from partner,\n Basic status : %s \n Advanced Status: %s",
			advStatus(procErr), text))
		confirmation = failureConfirmation
		msg.Status = store.StatusError
		msg.AdvStatus = advStatus(procErr)
		e.logMessage(ctx, msg, store.StatusError, text)
	} else {
		msg.Status = store.StatusSuccess
	}
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	if !origHeaders.Has("disposition-notification-to") {
		e.logMessage(ctx, msg, store.StatusSuccess, "MDN not requested by partner, closing request.")
		return nil, nil, nil
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "Building the MDN response to the request")

	report := mimeutil.NewPart()
	report.Header.Append("Content-Type", fmt.Sprintf("multipart/report; report-type=disposition-notification; boundary=%q",
		mimeutil.GenerateBoundary()))

	text := mimeutil.NewPart()
	text.Header.Append("Content-Type", `text/plain; charset="us-ascii"`)
	text.Header.Append("Content-Transfer-Encoding", "7bit")
	text.Body = []byte(confirmation + "\r\n")

	notification := mimeutil.NewPart()
	notification.Header.Append("Content-Type", `message/disposition-notification; charset="us-ascii"`)
	notification.Header.Append("Content-Transfer-Encoding", "7bit")
	var fields bytes.Buffer
	fmt.Fprintf(&fields, "Reporting-UA: %s\r\n", reportingUA)
	fmt.Fprintf(&fields, "Original-Recipient: rfc822; %s\r\n", origHeaders.Get("as2-to"))
	fmt.Fprintf(&fields, "Final-Recipient: rfc822; %s\r\n", origHeaders.Get("as2-to"))
	fmt.Fprintf(&fields, "Original-Message-ID: <%s>\r\n", msg.MessageID)
	if procErr != nil {
		fmt.Fprintf(&fields, "Disposition: automatic-action/MDN-sent-automatically; processed/%s: %s\r\n",
			dispositionClass(procErr), advStatus(procErr))
	} else {
		fields.WriteString("Disposition: automatic-action/MDN-sent-automatically; processed\r\n")
	}
	if msg.MIC != "" {
		fmt.Fprintf(&fields, "Received-content-MIC: %s\r\n", msg.MIC)
	}
	notification.Body = fields.Bytes()
	report.Subparts = []*mimeutil.Part{text, notification}

	mdnEntity := report
	mdnSigned := false
	if origHeaders.Has("disposition-notification-options") && org != nil && org.SignatureKey != nil {
		e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Signing the MDN using private key %s", org.As2Name))
		mdnSigned = true
		requested := signedReceiptMicalg(origHeaders.Get("disposition-notification-options"))
		micAlg, signature, err := smime.Sign(report.Bytes(), org.SignatureKey.Certificate, org.SignatureKey.Key, requested)
		if err != nil {
			return nil, nil, err
		}
		signed := mimeutil.NewPart()
		signed.Header.Append("Content-Type", fmt.Sprintf("multipart/signed; protocol=\"application/pkcs7-signature\"; micalg=%s; boundary=%q",
			micAlg, mimeutil.GenerateBoundary()))
		signed.Subparts = []*mimeutil.Part{report, signaturePart(signature)}
		mdnEntity = signed
	}

	mdnID := e.newMessageID()
	replyHeaders := mdnEntity.Header.Clone()
	if org != nil && org.Email != "" {
		replyHeaders.Append("from", org.Email)
	}
	replyHeaders.Append("ediint-features", ediintFeatures)
	replyHeaders.Append("as2-from", origHeaders.Get("as2-to"))
	replyHeaders.Append("as2-to", origHeaders.Get("as2-from"))
	replyHeaders.Append("AS2-Version", as2Version)
	replyHeaders.Append("date", e.wireDate())
	replyHeaders.Append("Message-ID", "<"+mdnID+">")
	replyHeaders.Append("user-agent", userAgent)
	replyHeaders.Append("subject", "Message Delivery Notification")

	body := mdnEntity.BodyBytes()
	mdnName := mdnID + ".mdn"
	path, err := e.files.Store(e.files.MDNSendDir(), mdnName, body, true)
	if err != nil {
		return nil, nil, err
	}
	mdn := &store.MDN{
		MessageID: mdnName,
		Status:    store.MDNSent,
		File:      path,
		Headers:   headerLines(replyHeaders),
		Signed:    mdnSigned,
	}
	msg.MDNMode = profile.MDNModeSync
	returnURL := origHeaders.Get("receipt-delivery-option")
	if returnURL != "" {
		mdn.Status = store.MDNPending
		mdn.ReturnURL = returnURL
		msg.MDNMode = profile.MDNModeAsync
	}
	if err := e.records.CreateMDN(ctx, mdn); err != nil {
		return nil, nil, err
	}
	msg.MDNID = mdn.MessageID
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	if returnURL != "" {
		e.logMessage(ctx, msg, store.StatusSuccess, "Asynchronous MDN requested, setting status to pending")
		return nil, nil, nil
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "MDN created successfully and sent to partner")
	return replyHeaders, body, nil
}

// signedReceiptMicalg extracts the digest requested for the receipt
// signature from a disposition-notification-options header, for example
// "signed-receipt-protocol=required, pkcs7-signature;
// signed-receipt-micalg=optional, sha1".
func signedReceiptMicalg(options string) string {
	for _, clause := range strings.Split(options, ";") {
		key, value, ok := strings.Cut(clause, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "signed-receipt-micalg") {
			continue
		}
		algs := strings.Split(value, ",")
		return strings.TrimSpace(algs[len(algs)-1])
	}
	return ""
}

// receiveAsyncMDN resolves an asynchronous receipt to the outbound message
// it confirms and reconciles it. The transmission is acknowledged with the
// returned text even when reconciliation fails; only an unresolvable MDN is
// reported as ErrUnknownMDN.
func (e *Engine) receiveAsyncMDN(ctx context.Context, report *mimeutil.Part, raw []byte, orgName, partnerName string) (string, error) {
	origID := originalMessageID(report)
	e.log.Info().
		Str("original", origID).
		Str("to", orgName).
		Str("from", partnerName).
		Msg("asynchronous mdn received")

	if _, err := e.profiles.Organization(orgName); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownMDN, err)
	}
	partner, err := e.profiles.Partner(partnerName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownMDN, err)
	}
	if origID == "" {
		return "", fmt.Errorf("%w: no original message id in the report", ErrUnknownMDN)
	}
	msg, err := e.records.FindMessage(ctx, origID, orgName, partnerName)
	if err != nil {
		return "", fmt.Errorf("%w: no outbound message <%s> for organization <%s> and partner <%s>",
			ErrUnknownMDN, origID, orgName, partnerName)
	}

	e.logMessage(ctx, msg, store.StatusSuccess, "Processing incoming asynchronous mdn")
	if err := e.saveMDN(ctx, msg, partner, raw); err != nil {
		switch {
		case errors.Is(err, ErrMDNFailure),
			errors.Is(err, ErrMDNReportMissing),
			errors.Is(err, smime.ErrInvalidSignature):
			// Already folded into the message state and log.
		default:
			e.notify(ctx, msg, fmt.Sprintf("Failed to process AS2 ASYNC MDN: %v", err))
		}
	}
	return "AS2 ASYNC MDN has been received", nil
}

// originalMessageID extracts the confirmed message id from a disposition
// report, without the angle brackets.
func originalMessageID(report *mimeutil.Part) string {
	disposition, err := report.FindPart("message/disposition-notification")
	if err != nil {
		return ""
	}
	fields, err := notificationFields(disposition)
	if err != nil {
		return ""
	}
	return strings.Trim(fields.Get("Original-Message-ID"), "<>")
}

// notificationFields parses the header syntax lines of a disposition part.
func notificationFields(disposition *mimeutil.Part) (*mimeutil.Header, error) {
	body, err := disposition.DecodeBody()
	if err != nil {
		return nil, err
	}
	block := append(mimeutil.Canonicalize(body), '\r', '\n')
	fields, _, err := mimeutil.ParseHeaderBlock(block)
	return fields, err
}

// saveMDN parses a receipt returned by the partner, the body of a
// synchronous send response or a full asynchronous transmission, and
// reconciles the outbound message with the reported disposition.
func (e *Engine) saveMDN(ctx context.Context, msg *store.Message, partner *profile.Partner, raw []byte) error {
	entity, err := mimeutil.Parse(raw)
	if err != nil {
		return e.failMDN(ctx, msg, fmt.Errorf("%w: %v", ErrMDNReportMissing, err))
	}
	mdnID := strings.Trim(entity.Header.Get("message-id"), "<>")
	if mdnID == "" {
		mdnID = e.newMessageID()
	}

	contentType := entity.ContentType()
	if contentType != "multipart/signed" && contentType != "multipart/report" {
		return e.failMDN(ctx, msg, fmt.Errorf("%w: response content type is %s", ErrMDNReportMissing, contentType))
	}
	if partner != nil && partner.MDNSign != "" && contentType != "multipart/signed" {
		e.logMessage(ctx, msg, store.StatusWarning, "Expected signed MDN but unsigned MDN returned")
	}

	report := entity
	mdnSigned := false
	if contentType == "multipart/signed" {
		mdnSigned = true
		if partner == nil || partner.SignatureCert == nil {
			return e.failMDN(ctx, msg, fmt.Errorf("%w: no partner certificate to verify the mdn", smime.ErrInvalidSignature))
		}
		e.logMessage(ctx, msg, store.StatusSuccess,
			fmt.Sprintf("Verifying the signed MDN with partner key %s", partner.As2Name))

		contentRaw, signature, err := mimeutil.ExtractSignedParts(raw, entity.Header.Boundary())
		if err != nil {
			return e.failMDN(ctx, msg, fmt.Errorf("%w: %v", smime.ErrInvalidSignature, err))
		}
		inner := signedContent(entity)
		if inner == nil {
			return e.failMDN(ctx, msg, fmt.Errorf("%w: signed mdn carries no report", ErrMDNReportMissing))
		}
		pinned := partner.SignatureCert.Certificate
		anchors := partner.SignatureCert.VerifyPool()
		if err := smime.Verify(contentRaw, signature, pinned, anchors, partner.SignatureCert.VerifyChain); err != nil {
			canonical := mimeutil.EnsureTrailingCRLF(mimeutil.CanonicalBytes(inner))
			if err := smime.Verify(canonical, signature, pinned, anchors, partner.SignatureCert.VerifyChain); err != nil {
				return e.failMDN(ctx, msg, fmt.Errorf("MDN Signature Verification Error: %w", err))
			}
		}
		report = inner
	}
	if report.ContentType() != "multipart/report" {
		return e.failMDN(ctx, msg, fmt.Errorf("%w: signed entity is %s", ErrMDNReportMissing, report.ContentType()))
	}

	path, err := e.files.Store(e.files.MDNReceiveDir(), mdnID+".mdn", report.BodyBytes(), true)
	if err != nil {
		return err
	}
	mdn := &store.MDN{
		MessageID: mdnID,
		Status:    store.MDNReceived,
		File:      path,
		Headers:   headerLines(entity.Header),
		Signed:    mdnSigned,
	}
	if err := e.records.CreateMDN(ctx, mdn); err != nil {
		if !errors.Is(err, store.ErrDuplicateID) {
			return err
		}
		// The same receipt parsed again; refresh the stored copy.
		if err := e.records.UpdateMDN(ctx, mdn); err != nil {
			return err
		}
	}
	msg.MDNID = mdn.MessageID

	disposition, err := report.FindPart("message/disposition-notification")
	if err != nil {
		return e.failMDN(ctx, msg, fmt.Errorf("%w: disposition notification part missing", ErrMDNReportMissing))
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "Checking the MDN for status of the message")
	fields, err := notificationFields(disposition)
	if err != nil {
		return e.failMDN(ctx, msg, fmt.Errorf("%w: unreadable disposition fields: %v", ErrMDNReportMissing, err))
	}

	reported := fields.Get("Disposition")
	if dispositionType(reported) != "processed" {
		msg.Status = store.StatusError
		msg.AdvStatus = reported
		if err := e.records.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Partner failed to process file. MDN status is %s", reported))
		return fmt.Errorf("%w: mdn status is %s", ErrMDNFailure, reported)
	}

	e.logMessage(ctx, msg, store.StatusSuccess, "Message has been successfully processed, verifying the MIC if present.")
	reportedMIC := fields.Get("Received-Content-MIC")
	if reportedMIC != "" && msg.MIC != "" && !smime.MICMatches(msg.MIC, reportedMIC) {
		msg.Status = store.StatusWarning
		if err := e.records.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		e.logMessage(ctx, msg, store.StatusWarning,
			"Message Integrity check failed, please validate message content with your partner")
		return nil
	}
	msg.Status = store.StatusSuccess
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "File Transferred successfully to the partner")
	if partner != nil {
		e.runPostSend(ctx, msg, partner)
	}
	return nil
}

// dispositionType isolates the action result of a Disposition field:
// "automatic-action/MDN-sent-automatically; processed/error: x" yields
// "processed/error: x". Only a bare "processed" confirms the exchange.
func dispositionType(disposition string) string {
	parts := strings.SplitN(disposition, ";", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// failMDN records a receipt that could not be accepted and fails the
// outbound message it was meant to confirm.
func (e *Engine) failMDN(ctx context.Context, msg *store.Message, err error) error {
	msg.Status = store.StatusError
	msg.AdvStatus = advStatus(err)
	if uerr := e.records.UpdateMessage(ctx, msg); uerr != nil {
		return uerr
	}
	e.logMessage(ctx, msg, store.StatusError, err.Error())
	return err
}
