package gateway

import (
	"context"
	"encoding/json"
	"time"

	"nhooyr.io/websocket"

	"gatebridge/internal/domain"
)

type clientIdentity struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type authParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type connectRequest struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      clientIdentity `json:"client"`
	Caps        []string       `json:"caps"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Auth        *authParams    `json:"auth,omitempty"`
}

func (c *Client) connectParams() connectRequest {
	req := connectRequest{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: clientIdentity{
			ID:       c.cfg.ClientName,
			Version:  c.cfg.ClientVersion,
			Platform: "go",
			Mode:     c.cfg.Mode,
		},
		Caps:   []string{},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
	}
	if c.cfg.Token != "" || c.cfg.Password != "" {
		req.Auth = &authParams{Token: c.cfg.Token, Password: c.cfg.Password}
	}
	return req
}

type rawRead struct {
	data []byte
	err  error
}

// readFrameAsync performs a single read on its own goroutine and delivers
// the result on a buffered channel. The websocket library closes the
// connection when a read's context is cancelled, so timed waits during the
// handshake select against this channel instead.
func readFrameAsync(conn *websocket.Conn) <-chan rawRead {
	ch := make(chan rawRead, 1)
	go func() {
		_, data, err := conn.Read(context.Background())
		ch <- rawRead{data: data, err: err}
	}()
	return ch
}

// handshake authenticates a freshly dialed socket: it waits briefly for an
// unsolicited connect.challenge, sends the connect request, and validates
// the single response to it. Any other frame arriving mid-handshake fails
// the attempt; the caller closes the socket on error.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*HelloPayload, error) {
	const op = "client.handshake"

	read := readFrameAsync(conn)
	pendingRead := true

	// Bounded wait for a challenge before sending connect. The nonce is
	// recorded; a signed challenge response is not implemented, so the
	// plain connect request goes out either way.
	challengeTimer := time.NewTimer(c.cfg.ChallengeWait)
	select {
	case r := <-read:
		pendingRead = false
		if r.err != nil {
			challengeTimer.Stop()
			return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, r.err.Error())
		}
		var f Frame
		if json.Unmarshal(r.data, &f) == nil && f.Type == FrameTypeEvent && f.Event == EventConnectChallenge {
			var chal challengePayload
			if json.Unmarshal(f.Payload, &chal) == nil && chal.Nonce != "" {
				c.mu.Lock()
				c.nonce = chal.Nonce
				c.mu.Unlock()
				c.logger.Debug("received connect.challenge before handshake", "nonce", chal.Nonce)
			}
		}
	case <-challengeTimer.C:
	case <-ctx.Done():
		challengeTimer.Stop()
		return nil, ctx.Err()
	}
	challengeTimer.Stop()

	frame, err := newRequestFrame(newRequestID(), MethodConnect, c.connectParams())
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if err := c.writeFrame(ctx, conn, frame); err != nil {
		return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, err.Error())
	}

	if !pendingRead {
		read = readFrameAsync(conn)
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case r := <-read:
		if r.err != nil {
			return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, r.err.Error())
		}
		return parseConnectResponse(op, frame.ID, r.data)
	case <-timer.C:
		return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, "timed out waiting for connect response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseConnectResponse(op, reqID string, data []byte) (*HelloPayload, error) {
	var res Frame
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, "malformed connect response")
	}
	if res.Type != FrameTypeResponse || res.ID != reqID {
		return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, "unexpected frame during handshake")
	}
	if !res.OK {
		msg := res.errorMessage()
		if msg == "" {
			msg = "unknown error"
		}
		return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, msg)
	}
	var hello HelloPayload
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &hello); err != nil {
			return nil, domain.NewGatewayError(op, domain.ErrHandshakeFailed, "malformed hello payload")
		}
	}
	return &hello, nil
}
