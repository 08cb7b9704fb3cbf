package panel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

// UpsertClient creates or renews the client named email on the inbound that
// listens on port.  Renewal extends max(now, current expiry) by days; a new
// client expires days from now.  The stored record is returned.
func (c *Client) UpsertClient(ctx context.Context, s Session, port int, email string, days int) (domain.ClientRecord, error) {
	const op = "upsert client"
	subject := strconv.Itoa(port)

	inbounds, err := c.ListInbounds(ctx, s)
	if err != nil {
		return domain.ClientRecord{}, err
	}
	target, ok := inboundByPort(inbounds, port)
	if !ok {
		return domain.ClientRecord{}, &domain.ProvisioningError{Op: op, Subject: subject, Err: domain.ErrNoInboundForPort}
	}

	unlock := c.lockInbound(target.ID)
	defer unlock()

	// Re-read under the lock so a concurrent update to the same inbound is
	// not overwritten.
	inbounds, err = c.ListInbounds(ctx, s)
	if err != nil {
		return domain.ClientRecord{}, err
	}
	if target, ok = inboundByPort(inbounds, port); !ok {
		return domain.ClientRecord{}, &domain.ProvisioningError{Op: op, Subject: subject, Err: domain.ErrNoInboundForPort}
	}

	settings, err := domain.ParseInboundSettings(target.Settings)
	if err != nil {
		return domain.ClientRecord{}, &domain.PanelError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrInvalidResponse, err)}
	}

	now := c.now().UnixMilli()
	extension := int64(days) * domain.MillisPerDay

	var rec domain.ClientRecord
	idx := -1
	for i, cl := range settings.Clients {
		if cl.Email == email {
			idx = i
			break
		}
	}
	if idx >= 0 {
		rec = settings.Clients[idx]
		rec.ExpiryTime = max(now, rec.ExpiryTime) + extension
		rec.Enable = true
		settings.Clients[idx] = rec
	} else {
		rec = domain.ClientRecord{
			ID:         c.newID(),
			Email:      email,
			Flow:       c.flow,
			Enable:     true,
			ExpiryTime: now + extension,
		}
		settings.Clients = append(settings.Clients, rec)
	}

	text, err := settings.Encode()
	if err != nil {
		return domain.ClientRecord{}, &domain.PanelError{Op: op, Err: err}
	}
	target.Settings = text
	if err := c.UpdateInbound(ctx, s, target); err != nil {
		return domain.ClientRecord{}, domain.NewActivationError(op, err)
	}
	c.log.Info("panel client upserted", "inbound", target.ID, "port", port, "email", email, "renewed", idx >= 0, "expiry_ms", rec.ExpiryTime)
	return rec, nil
}

// FindClient returns the client, across all inbounds, whose email equals
// needle, together with its inbound.  Without an exact match the first email
// containing needle is returned.
func (c *Client) FindClient(ctx context.Context, s Session, needle string) (domain.ClientRecord, domain.Inbound, error) {
	const op = "find client"
	if strings.TrimSpace(needle) == "" {
		return domain.ClientRecord{}, domain.Inbound{}, &domain.ProvisioningError{Op: op, Subject: `""`, Err: errEmptyMatch}
	}
	inbounds, err := c.ListInbounds(ctx, s)
	if err != nil {
		return domain.ClientRecord{}, domain.Inbound{}, err
	}
	type hit struct {
		client  domain.ClientRecord
		inbound domain.Inbound
	}
	var partial *hit
	for _, in := range inbounds {
		settings, err := domain.ParseInboundSettings(in.Settings)
		if err != nil {
			c.log.Warn("skipping inbound with unreadable settings", "inbound", in.ID, "err", err)
			continue
		}
		for _, cl := range settings.Clients {
			if cl.Email == needle {
				return cl, in, nil
			}
			if partial == nil && strings.Contains(cl.Email, needle) {
				partial = &hit{client: cl, inbound: in}
			}
		}
	}
	if partial != nil {
		return partial.client, partial.inbound, nil
	}
	return domain.ClientRecord{}, domain.Inbound{}, &domain.ProvisioningError{Op: op, Subject: needle, Err: domain.ErrClientNotFound}
}

// RemoveClient deletes the client with clientID from the given inbound.
func (c *Client) RemoveClient(ctx context.Context, s Session, inboundID int, clientID string) error {
	const op = "remove client"
	unlock := c.lockInbound(inboundID)
	defer unlock()

	inbounds, err := c.ListInbounds(ctx, s)
	if err != nil {
		return err
	}
	var target domain.Inbound
	found := false
	for _, in := range inbounds {
		if in.ID == inboundID {
			target, found = in, true
			break
		}
	}
	if !found {
		return &domain.ProvisioningError{Op: op, Subject: clientID, Err: domain.ErrClientNotFound}
	}
	settings, err := domain.ParseInboundSettings(target.Settings)
	if err != nil {
		return &domain.PanelError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrInvalidResponse, err)}
	}
	kept := settings.Clients[:0]
	removed := 0
	for _, cl := range settings.Clients {
		if cl.ID == clientID {
			removed++
			continue
		}
		kept = append(kept, cl)
	}
	if removed == 0 {
		return &domain.ProvisioningError{Op: op, Subject: clientID, Err: domain.ErrClientNotFound}
	}
	settings.Clients = kept
	text, err := settings.Encode()
	if err != nil {
		return &domain.PanelError{Op: op, Err: err}
	}
	target.Settings = text
	if err := c.UpdateInbound(ctx, s, target); err != nil {
		return err
	}
	c.log.Info("panel client removed", "inbound", inboundID, "client", redactID(clientID))
	return nil
}

// DeleteClientsMatching removes every client whose email contains substr from
// every inbound and reports how many were removed.
func (c *Client) DeleteClientsMatching(ctx context.Context, s Session, substr string) (int, error) {
	const op = "delete clients"
	if strings.TrimSpace(substr) == "" {
		return 0, &domain.ProvisioningError{Op: op, Subject: `""`, Err: errEmptyMatch}
	}
	inbounds, err := c.ListInbounds(ctx, s)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, in := range inbounds {
		n, err := c.pruneInbound(ctx, s, in.ID, substr)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Client) pruneInbound(ctx context.Context, s Session, inboundID int, substr string) (int, error) {
	unlock := c.lockInbound(inboundID)
	defer unlock()

	inbounds, err := c.ListInbounds(ctx, s)
	if err != nil {
		return 0, err
	}
	for _, in := range inbounds {
		if in.ID != inboundID {
			continue
		}
		settings, err := domain.ParseInboundSettings(in.Settings)
		if err != nil {
			c.log.Warn("skipping inbound with unreadable settings", "inbound", in.ID, "err", err)
			return 0, nil
		}
		kept := settings.Clients[:0]
		for _, cl := range settings.Clients {
			if !strings.Contains(cl.Email, substr) {
				kept = append(kept, cl)
			}
		}
		removed := len(settings.Clients) - len(kept)
		if removed == 0 {
			return 0, nil
		}
		settings.Clients = kept
		text, err := settings.Encode()
		if err != nil {
			return 0, &domain.PanelError{Op: "delete clients", Err: err}
		}
		in.Settings = text
		if err := c.UpdateInbound(ctx, s, in); err != nil {
			return 0, err
		}
		c.log.Info("panel clients pruned", "inbound", in.ID, "match", substr, "removed", removed)
		return removed, nil
	}
	return 0, nil
}

func inboundByPort(inbounds []domain.Inbound, port int) (domain.Inbound, bool) {
	for _, in := range inbounds {
		if in.Port == port {
			return in, true
		}
	}
	return domain.Inbound{}, false
}

// redactID keeps enough of a credential id to correlate log lines.
func redactID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:8] + "***"
}
