package as2

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

// The coordination passes below back the parts of an exchange that cannot
// complete within one request: delivery of queued asynchronous receipts,
// expiry of sends that never got their receipt, and retransmission of
// failed sends. The daemon package runs them on a schedule; the CLI runs
// them one shot.

// Queued receipts go to distinct partners, so a slow one must not stall the
// rest of the queue.
const mdnDeliveryConcurrency = 4

// SendPendingMDNs posts every receipt queued for asynchronous delivery to
// its return url. Each failed attempt counts against the retry budget;
// receipts over budget are marked failed. Cancellation stops the queue
// between deliveries, never mid-POST.
func (e *Engine) SendPendingMDNs(ctx context.Context) error {
	pending, err := e.records.ListMDNs(ctx, store.MDNPending)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(mdnDeliveryConcurrency)
	for _, mdn := range pending {
		mdn := mdn
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.sendPendingMDN(ctx, mdn)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) sendPendingMDN(ctx context.Context, mdn *store.MDN) {
	mdn.Retries++

	// The owning inbound message carries the log trail and names the
	// partner whose transport settings apply.
	var partner *profile.Partner
	owner, err := e.records.MessageForMDN(ctx, mdn.MessageID)
	if err != nil {
		owner = nil
	} else if owner.Partner != "" {
		partner, _ = e.profiles.Partner(owner.Partner)
	}

	err = e.deliverMDN(ctx, mdn, partner)
	if err == nil {
		mdn.Status = store.MDNSent
		if owner != nil {
			e.logMessage(ctx, owner, store.StatusSuccess, "Successfully sent asynchronous mdn to partner")
		}
	} else {
		e.log.Error().Err(err).Str("mdn", mdn.MessageID).Msg("asynchronous mdn delivery failed")
		if mdn.Retries > e.maxRetries {
			mdn.Status = store.MDNFailed
		}
		if owner != nil {
			e.logMessage(ctx, owner, store.StatusError, fmt.Sprintf("Failed to send asynchronous mdn to partner, error is %v", err))
			if mdn.Status == store.MDNFailed {
				e.logMessage(ctx, owner, store.StatusError, "MDN exceeded maximum retries, marked as error")
			}
		}
	}
	if err := e.records.UpdateMDN(ctx, mdn); err != nil {
		e.log.Error().Err(err).Str("mdn", mdn.MessageID).Msg("persisting mdn state failed")
	}
}

func (e *Engine) deliverMDN(ctx context.Context, mdn *store.MDN, partner *profile.Partner) error {
	hdr, err := parseHeaderString(mdn.Headers)
	if err != nil {
		return fmt.Errorf("parsing stored mdn headers: %w", err)
	}
	body, err := os.ReadFile(mdn.File)
	if err != nil {
		return fmt.Errorf("reading stored mdn: %w", err)
	}
	resp, err := e.post(ctx, partner, mdn.ReturnURL, hdr, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ExpireUnacknowledged fails outbound messages still waiting for an
// asynchronous receipt after wait, and reports how many it expired.
func (e *Engine) ExpireUnacknowledged(ctx context.Context, wait time.Duration) (int, error) {
	const text = "Failed to receive asynchronous MDN within the threshold limit"

	msgs, err := e.records.ListMessages(ctx, store.MessageFilter{
		Status:    store.StatusPending,
		Direction: store.DirectionOutbound,
		Before:    e.now().UTC().Add(-wait),
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		msg.Status = store.StatusError
		msg.AdvStatus = text
		if err := e.records.UpdateMessage(ctx, msg); err != nil {
			e.log.Error().Err(err).Str("message", msg.ID).Msg("persisting expiry failed")
			continue
		}
		e.logMessage(ctx, msg, store.StatusError, text)
		expired++
	}
	return expired, nil
}

// RetryFailedSends rebuilds and retransmits outbound messages queued for
// retry, and reports how many attempts it made. A message over the retry
// budget is marked failed instead.
func (e *Engine) RetryFailedSends(ctx context.Context) (int, error) {
	msgs, err := e.records.ListMessages(ctx, store.MessageFilter{
		Status:    store.StatusRetry,
		Direction: store.DirectionOutbound,
	})
	if err != nil {
		return 0, err
	}
	attempts := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		msg.Retries++
		if msg.Retries > e.maxRetries {
			msg.Status = store.StatusError
			if err := e.records.UpdateMessage(ctx, msg); err != nil {
				e.log.Error().Err(err).Str("message", msg.ID).Msg("persisting retry exhaustion failed")
				continue
			}
			e.logMessage(ctx, msg, store.StatusError, "Message exceeded maximum retries, marked as error")
			continue
		}

		e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Retry %d of %d, rebuilding the message for transmission", msg.Retries, e.maxRetries))
		msg.Status = store.StatusInProcess
		if err := e.records.UpdateMessage(ctx, msg); err != nil {
			e.log.Error().Err(err).Str("message", msg.ID).Msg("persisting retry state failed")
			continue
		}
		attempts++
		if err := e.retrySend(ctx, msg); err != nil {
			e.log.Error().Err(err).Str("message", msg.ID).Msg("retry attempt failed")
		}
	}
	return attempts, nil
}

// retrySend rebuilds the wire entity for an existing record, keeping its
// message id so the partner can correlate the retransmission, and sends it.
func (e *Engine) retrySend(ctx context.Context, msg *store.Message) error {
	org, err := e.profiles.Organization(msg.Organization)
	if err != nil {
		return err
	}
	partner, err := e.profiles.Partner(msg.Partner)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(msg.PayloadFile)
	if err != nil {
		return fmt.Errorf("reading stored payload: %w", err)
	}
	body, err := e.buildOutbound(ctx, msg, org, partner, content, msg.PayloadName)
	if err != nil {
		msg.Status = store.StatusError
		if uerr := e.records.UpdateMessage(ctx, msg); uerr != nil {
			return uerr
		}
		e.logMessage(ctx, msg, store.StatusError, fmt.Sprintf("Failed to build message, error is %v", err))
		return err
	}
	return e.Send(ctx, msg, body)
}

// CancelRetries takes an outbound message out of the retry queue, marking
// it failed.
func (e *Engine) CancelRetries(ctx context.Context, id string) error {
	msg, err := e.records.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status != store.StatusRetry {
		return fmt.Errorf("message <%s> has status %s, only messages in retry can be cancelled", id, msg.Status)
	}
	msg.Status = store.StatusError
	if err := e.records.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	e.logMessage(ctx, msg, store.StatusError, "Retries cancelled by the operator")
	return nil
}
