package gateway

import (
	"errors"
	"strings"

	"clawnode/internal/domain"
)

// errPairingApproved ends a session so the node reconnects with its new token.
var errPairingApproved = errors.New("pairing approved")

func (c *Client) handleFrame(sess *session, f Frame) error {
	switch fr := f.(type) {
	case *Challenge:
		c.onChallenge(sess, fr)
	case *Response:
		return c.onResponse(sess, fr)
	case *Event:
		return c.onGatewayEvent(fr)
	case *Request:
		c.onRequest(sess, fr)
	}
	return nil
}

func (c *Client) onChallenge(sess *session, ch *Challenge) {
	if c.State() != domain.StateAwaitingChallenge {
		c.logger.Debug("ignoring unexpected challenge", "state", c.State().String())
		return
	}
	sess.connectID = c.nextRequestID()
	c.send(sess, &Request{
		ID:     sess.connectID,
		Method: MethodConnect,
		Params: c.connectParams(),
	})
	c.setState(domain.StateHandshaking)
}

func (c *Client) onResponse(sess *session, resp *Response) error {
	switch {
	case sess.connectID != "" && resp.ID == sess.connectID:
		sess.connectID = ""
		return c.onHello(sess, resp)

	case sess.pairID != "" && resp.ID == sess.pairID:
		sess.pairID = ""
		if !resp.OK {
			return domain.NewDomainError("Client.pair", domain.ErrPairingRejected, resp.ErrorMessage())
		}
		c.logger.Info("pairing request submitted, waiting for approval")
		return nil

	default:
		c.logger.Debug("response for unknown request", "id", resp.ID)
		return nil
	}
}

func (c *Client) onHello(sess *session, resp *Response) error {
	if resp.OK {
		if kind, _ := resp.Payload["type"].(string); kind != helloOK {
			return domain.NewDomainError("Client.handshake", domain.ErrTransportFailure,
				"unexpected handshake reply "+kind)
		}
		if auth, ok := resp.Payload["auth"].(map[string]any); ok {
			if tok, _ := auth["deviceToken"].(string); tok != "" {
				c.SetDeviceToken(tok)
			}
		}
		c.backoff.reset()
		c.setLastErr(nil)
		c.setState(domain.StateConnected)
		c.logger.Info("connected to gateway", "url", c.cfg.URL)
		return nil
	}

	msg := resp.ErrorMessage()
	if !pairingRequired(msg) {
		return domain.NewDomainError("Client.handshake", domain.ErrAuthRejected, msg)
	}

	pending := domain.NewDomainError("Client.handshake", domain.ErrPairingRequired, msg)
	c.setLastErr(pending)
	c.logger.Info("gateway requires pairing", "device_id", c.cfg.DeviceID, "code", domain.ErrorCodeOf(pending))
	sess.pairID = c.nextRequestID()
	c.send(sess, &Request{
		ID:     sess.pairID,
		Method: MethodPairRequest,
		Params: map[string]any{
			"name":     c.cfg.NodeName,
			"deviceId": c.cfg.DeviceID,
		},
	})
	c.setState(domain.StatePairingPending)
	return nil
}

func (c *Client) onGatewayEvent(ev *Event) error {
	if ev.Name == EventPairResolved && c.State() == domain.StatePairingPending {
		if approved, _ := ev.Payload["approved"].(bool); !approved {
			return domain.NewDomainError("Client.pair", domain.ErrPairingRejected, "declined by gateway")
		}
		if tok, _ := ev.Payload["token"].(string); tok != "" {
			c.SetDeviceToken(tok)
		}
		return errPairingApproved
	}

	if c.onEvent != nil {
		c.onEvent(ev.Name, ev.Payload)
	}
	return nil
}

func (c *Client) onRequest(sess *session, req *Request) {
	if c.State() != domain.StateConnected || c.onCommand == nil {
		c.logger.Warn("rejecting request before connected", "id", req.ID, "method", req.Method)
		c.send(sess, &Response{ID: req.ID, Error: &FrameError{Message: domain.ErrNotConnected.Error()}})
		return
	}
	c.onCommand(domain.Command{ID: req.ID, Action: req.Method, Params: req.Params})
}

// connectParams builds the connect request body. The device token, when
// held, takes precedence over the configured auth token.
func (c *Client) connectParams() map[string]any {
	token := c.DeviceToken()
	if token == "" {
		token = c.cfg.AuthToken
	}

	params := map[string]any{
		"minProtocol": c.cfg.MinProtocol,
		"maxProtocol": c.cfg.MaxProtocol,
		"client": map[string]any{
			"id":       c.cfg.ClientID,
			"version":  c.cfg.Version,
			"platform": c.cfg.Platform,
			"mode":     "node",
		},
		"role":        "node",
		"scopes":      nonNil(c.cfg.Scopes),
		"caps":        nonNil(c.cfg.Caps),
		"commands":    nonNil(c.cfg.Commands),
		"permissions": c.permissions(),
		"auth":        map[string]any{"token": token},
		"locale":      c.cfg.Locale,
		"userAgent":   c.cfg.UserAgent,
		"device":      map[string]any{"id": c.cfg.DeviceID},
	}
	return params
}

func (c *Client) permissions() map[string]bool {
	if c.cfg.Permissions == nil {
		return map[string]bool{}
	}
	return c.cfg.Permissions
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// pairingRequired reports whether a handshake rejection asks the node to pair
// rather than refusing it outright.
func pairingRequired(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "pairing required") ||
		strings.Contains(m, "pairing_required") ||
		strings.Contains(m, "not paired")
}
