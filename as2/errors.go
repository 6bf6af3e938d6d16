package as2

import (
	"errors"
	"fmt"

	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/smime"
)

// Receive errors the server maps onto HTTP responses. Everything else raised
// during message processing is folded into the MDN disposition instead.
var (
	// ErrInvalidRequest marks a transmission missing the mandatory AS2
	// identification headers.
	ErrInvalidRequest = errors.New("invalid as2 message received")

	// ErrUnknownMDN marks an asynchronous MDN that matches no known
	// organization, partner or outbound message.
	ErrUnknownMDN = errors.New("unknown as2 mdn received")
)

// Processing errors classified into MDN dispositions.
var (
	// ErrInsufficientSecurity marks an inbound message that does not meet
	// the encryption or signature requirements of the partner profile.
	ErrInsufficientSecurity = errors.New("insufficient message security")

	// ErrDuplicateDocument marks a retransmission of a message id already
	// processed for the same organization and partner.
	ErrDuplicateDocument = errors.New("duplicate document")
)

// MDN reconciliation errors.
var (
	// ErrMDNReportMissing marks an MDN response carrying no disposition
	// notification report.
	ErrMDNReportMissing = errors.New("mdn report not found in the response")

	// ErrMDNFailure marks an MDN whose disposition reports that the partner
	// failed to process the message.
	ErrMDNFailure = errors.New("partner failed to process file")
)

// advStatus maps a processing error to the machine readable disposition
// modifier reported in the MDN and stored on the message.
func advStatus(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateDocument):
		return "duplicate-document"
	case errors.Is(err, profile.ErrOrganizationNotFound),
		errors.Is(err, profile.ErrPartnerNotFound):
		return "unknown-trading-partner"
	case errors.Is(err, ErrInsufficientSecurity):
		return "insufficient-message-security"
	case errors.Is(err, smime.ErrDecryptionFailed):
		return "decryption-failed"
	case errors.Is(err, smime.ErrInvalidSignature):
		return "integrity-check-failed"
	case errors.Is(err, smime.ErrDecompressionFailed):
		return "decompression-failed"
	default:
		return "unexpected-processing-error"
	}
}

// dispositionClass reports the disposition modifier class: duplicates are a
// warning, everything else an error.
func dispositionClass(err error) string {
	if errors.Is(err, ErrDuplicateDocument) {
		return "warning"
	}
	return "error"
}

// statusMessage is the human readable line logged and mailed for a
// processing failure. Classified errors carry their own description,
// anything unexpected is summarised so internals stay out of the MDN trail.
func statusMessage(err error, wireID string) string {
	if advStatus(err) == "unexpected-processing-error" {
		return fmt.Sprintf("An unexpected error occurred while processing AS2 message <%s>", wireID)
	}
	return fmt.Sprintf("AS2 message error: %v", err)
}
