package as2

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/luckylud/pyas2/mimeutil"
	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/smime"
	"github.com/luckylud/pyas2/store"
)

const (
	defaultSubject     = "EDI Message sent using pyas2"
	defaultPayloadType = "application/edi-consent"
)

// SendPayload runs the full outbound pipeline for one document: persist a
// new message record, render the wire entity per the partner contract and
// transmit it. The message record is returned even when the exchange fails
// so callers can report its id.
func (e *Engine) SendPayload(ctx context.Context, orgName, partnerName string, content []byte, filename string) (*store.Message, error) {
	msg, body, err := e.Build(ctx, orgName, partnerName, content, filename)
	if err != nil {
		return msg, err
	}
	if err := e.Send(ctx, msg, body); err != nil {
		return msg, err
	}
	return msg, nil
}

// Resend queues a fresh copy of a previously sent message, with a new
// message id, from its stored payload.
func (e *Engine) Resend(ctx context.Context, id string) (*store.Message, error) {
	orig, err := e.records.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Direction != store.DirectionOutbound {
		return nil, fmt.Errorf("message <%s> is inbound, only outbound messages can be resent", id)
	}
	content, err := os.ReadFile(orig.PayloadFile)
	if err != nil {
		return nil, fmt.Errorf("reading stored payload: %w", err)
	}
	return e.SendPayload(ctx, orig.Organization, orig.Partner, content, orig.PayloadName)
}

// Build persists a new outbound message record and renders its wire entity,
// leaving transmission to the caller. On a build failure the record is
// marked failed and returned along with the error.
func (e *Engine) Build(ctx context.Context, orgName, partnerName string, content []byte, filename string) (*store.Message, []byte, error) {
	org, err := e.profiles.Organization(orgName)
	if err != nil {
		return nil, nil, err
	}
	partner, err := e.profiles.Partner(partnerName)
	if err != nil {
		return nil, nil, err
	}

	msg := &store.Message{
		MessageID:    e.newMessageID(),
		Direction:    store.DirectionOutbound,
		Status:       store.StatusInProcess,
		Organization: org.As2Name,
		Partner:      partner.As2Name,
		PayloadName:  filename,
		PayloadType:  partner.ContentType,
	}
	if msg.PayloadType == "" {
		msg.PayloadType = defaultPayloadType
	}
	path, err := e.files.Store(e.files.PayloadSendDir(), msg.MessageID, content, true)
	if err != nil {
		return nil, nil, err
	}
	msg.PayloadFile = path
	if err := e.records.CreateMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	body, err := e.buildOutbound(ctx, msg, org, partner, content, filename)
	if err != nil {
		msg.Status = store.StatusError
		if uerr := e.records.UpdateMessage(ctx, msg); uerr != nil {
			e.log.Error().Err(uerr).Str("message", msg.ID).Msg("persisting build failure state failed")
		}
		e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Failed to build message, error is %v", err))
		return msg, nil, err
	}
	return msg, body, nil
}

// buildOutbound renders the wire entity for msg: payload part, then
// compression, signature and encryption per the partner contract, in that
// order. The assembled transport headers and security flags are persisted on
// msg; the returned bytes are the HTTP body (the MIME body only, its
// structure headers travel as HTTP headers).
func (e *Engine) buildOutbound(ctx context.Context, msg *store.Message, org *profile.Organization, partner *profile.Partner, content []byte, filename string) ([]byte, error) {
	e.logMessage(ctx, msg, store.StatusSuccess, "Build the AS2 message and header to send to the partner")

	subject := partner.Subject
	if subject == "" {
		subject = defaultSubject
	}
	hdr := mimeutil.NewHeader()
	if org.Email != "" {
		hdr.Append("from", org.Email)
	}
	hdr.Append("AS2-Version", as2Version)
	hdr.Append("ediint-features", ediintFeatures)
	hdr.Append("MIME-Version", "1.0")
	hdr.Append("Message-ID", "<"+msg.MessageID+">")
	hdr.Append("AS2-From", profile.EscapeName(org.As2Name))
	hdr.Append("AS2-To", profile.EscapeName(partner.As2Name))
	hdr.Append("Subject", subject)
	hdr.Append("Date", e.wireDate())
	hdr.Append("recipient-address", partner.TargetURL)
	hdr.Append("user-agent", userAgent)

	current := mimeutil.NewPart()
	current.Header.Append("Content-Type", msg.PayloadType)
	current.Header.Append("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	current.Body = content
	wireBody := content

	if partner.Compress {
		e.logMessage(ctx, msg, store.StatusSuccess, "Compressing the payload.")
		msg.Compressed = true
		der, err := smime.Compress(mimeutil.CanonicalBytes(current))
		if err != nil {
			return nil, err
		}
		compressed := mimeutil.NewPart()
		compressed.Header.Append("Content-Type", `application/pkcs7-mime; name="smime.p7z"; smime-type=compressed-data`)
		compressed.Header.Append("Content-Transfer-Encoding", "base64")
		compressed.Header.Append("Content-Disposition", `attachment; filename="smime.p7z"`)
		compressed.Body = mimeutil.EncodeBase64(der)
		current = compressed
		wireBody = compressed.Body
	}

	if partner.Signature != "" {
		if org.SignatureKey == nil {
			return nil, fmt.Errorf("%w: organization <%s> has no signature key", smime.ErrCertificate, org.As2Name)
		}
		e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Signing the message using organization key %s", org.As2Name))
		msg.Signed = true

		micInput := mimeutil.CanonicalBytes(current)
		micAlg, signature, err := smime.Sign(micInput, org.SignatureKey.Certificate, org.SignatureKey.Key, partner.Signature)
		if err != nil {
			return nil, err
		}
		msg.MIC = smime.MIC(micInput, micAlg)

		signed := mimeutil.NewPart()
		signed.Header.Append("Content-Type", fmt.Sprintf("multipart/signed; protocol=\"application/pkcs7-signature\"; micalg=%s; boundary=%q",
			micAlg, mimeutil.GenerateBoundary()))
		signed.Subparts = []*mimeutil.Part{current, signaturePart(signature)}
		current = signed
		// Canonical body keeps the signed chunk byte aligned with the
		// signature regardless of the payload line endings.
		wireBody = mimeutil.Canonicalize(signed.BodyBytes())
	}

	if partner.Encryption != "" {
		if partner.EncryptionCert == nil {
			return nil, fmt.Errorf("%w: partner <%s> has no encryption certificate", smime.ErrCertificate, partner.As2Name)
		}
		e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Encrypting the message using partner key %s", partner.As2Name))
		msg.Encrypted = true

		der, err := smime.Encrypt(mimeutil.CanonicalBytes(current), partner.EncryptionCert.Certificate, partner.Encryption)
		if err != nil {
			return nil, err
		}
		encrypted := mimeutil.NewPart()
		encrypted.Header.Append("Content-Type", `application/pkcs7-mime; name="smime.p7m"; smime-type=enveloped-data`)
		encrypted.Header.Append("Content-Transfer-Encoding", "base64")
		encrypted.Header.Append("Content-Disposition", `attachment; filename="smime.p7m"`)
		encrypted.Body = mimeutil.EncodeBase64(der)
		current = encrypted
		wireBody = encrypted.Body
	}

	if partner.MDN {
		hdr.Append("disposition-notification-to", dispositionNotifyTo)
		if partner.MDNSign != "" {
			hdr.Append("disposition-notification-options",
				fmt.Sprintf("signed-receipt-protocol=required, pkcs7-signature; signed-receipt-micalg=optional, %s", partner.MDNSign))
		}
		msg.MDNMode = profile.MDNModeSync
		if partner.MDNMode == profile.MDNModeAsync {
			if e.mdnURL == "" {
				return nil, fmt.Errorf("asynchronous mdn requested for partner <%s> but no mdn return url is configured", partner.As2Name)
			}
			hdr.Append("receipt-delivery-option", e.mdnURL)
			msg.MDNMode = profile.MDNModeAsync
		}
	}

	for _, f := range current.Header.Fields() {
		hdr.Append(f.Key, f.Value)
	}
	msg.Headers = headerLines(hdr)
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "AS2 message has been built successfully, sending it to the partner")
	return wireBody, nil
}

// signaturePart wraps a detached CMS signature as the second entity of a
// multipart/signed.
func signaturePart(der []byte) *mimeutil.Part {
	p := mimeutil.NewPart()
	p.Header.Append("Content-Type", `application/pkcs7-signature; name="smime.p7s"`)
	p.Header.Append("Content-Transfer-Encoding", "base64")
	p.Header.Append("Content-Disposition", `attachment; filename="smime.p7s"`)
	p.Body = mimeutil.EncodeBase64(der)
	return p
}

// Send transmits a built message to its partner and reconciles the outcome:
// synchronous MDNs are parsed on the spot, asynchronous exchanges stay
// pending, transport failures queue the message for retry.
func (e *Engine) Send(ctx context.Context, msg *store.Message, body []byte) error {
	partner, err := e.profiles.Partner(msg.Partner)
	if err != nil {
		return err
	}
	hdr, err := parseHeaderString(msg.Headers)
	if err != nil {
		return fmt.Errorf("parsing stored message headers: %w", err)
	}

	if partner.MDN && partner.MDNMode == profile.MDNModeAsync {
		e.logMessage(ctx, msg, store.StatusSuccess, "ASYNC MDN requested.")
		msg.Status = store.StatusPending
		if err := e.records.UpdateMessage(ctx, msg); err != nil {
			return err
		}
	}

	resp, err := e.post(ctx, partner, partner.TargetURL, hdr, body)
	if err != nil {
		e.notify(ctx, msg, fmt.Sprintf("Failure during transmission of message to partner with error %q.\n\n"+
			"To retry transmission run the retryfailedcomms command.", err))
		msg.Status = store.StatusRetry
		if uerr := e.records.UpdateMessage(ctx, msg); uerr != nil {
			return uerr
		}
		e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Message send failed with error %v", err))
		return err
	}
	defer resp.Body.Close()
	e.logMessage(ctx, msg, store.StatusSuccess, "AS2 message successfully sent to partner")

	if partner.MDN {
		if partner.MDNMode == profile.MDNModeAsync {
			return nil
		}
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			msg.Status = store.StatusError
			if uerr := e.records.UpdateMessage(ctx, msg); uerr != nil {
				return uerr
			}
			e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Failed to read synchronous mdn from partner, error is %v", err))
			return err
		}
		e.logMessage(ctx, msg, store.StatusSuccess, "Synchronous mdn received from partner")
		var raw bytes.Buffer
		fmt.Fprintf(&raw, "message-id: %s\r\n", resp.Header.Get("Message-ID"))
		fmt.Fprintf(&raw, "content-type: %s\r\n\r\n", resp.Header.Get("Content-Type"))
		raw.Write(respBody)
		return e.saveMDN(ctx, msg, partner, raw.Bytes())
	}

	msg.Status = store.StatusSuccess
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	e.logMessage(ctx, msg, store.StatusSuccess, "No MDN needed, File Transferred successfully to the partner")
	e.runPostSend(ctx, msg, partner)
	return nil
}

// post delivers one HTTP request with the stored wire headers and the
// partner's auth and trust settings. Any response outside 2xx is an error.
func (e *Engine) post(ctx context.Context, partner *profile.Partner, url string, hdr *mimeutil.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, f := range hdr.Fields() {
		switch strings.ToLower(f.Key) {
		case "content-length", "host", "connection":
			continue
		}
		req.Header.Set(f.Key, f.Value)
	}
	if partner != nil && partner.HTTPAuth() {
		req.SetBasicAuth(partner.HTTPAuthUser, partner.HTTPAuthPass)
	}
	resp, err := e.clientFor(partner).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("partner returned http %s", resp.Status)
	}
	return resp, nil
}

// clientFor returns the engine client, rewired with the partner CA bundle
// when the profile pins one.
func (e *Engine) clientFor(partner *profile.Partner) *http.Client {
	if partner == nil || len(partner.HTTPSCACerts) == 0 {
		return e.client
	}
	pool := x509.NewCertPool()
	for _, ca := range partner.HTTPSCACerts {
		pool.AddCert(ca)
	}
	client := *e.client
	client.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	return &client
}
