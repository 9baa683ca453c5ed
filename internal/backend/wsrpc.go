package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrProtocol marks handshake and control-frame failures of the RPC gateway
// protocol. They are permanent for the current call and never retried.
var ErrProtocol = errors.New("gateway protocol failure")

const (
	rpcProtocolMin   = 1
	rpcProtocolMax   = 3
	handshakeTimeout = 10 * time.Second
)

// wire frame shapes, reproduced as consumed from the upstream gateway.

type rpcFrame struct {
	Type    string          `json:"type"` // "req", "res", "event"
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type rpcChallengePayload struct {
	Nonce string `json:"nonce"`
}

type rpcConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      rpcClientInfo `json:"client"`
	Auth        rpcAuthInfo   `json:"auth"`
}

type rpcClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type rpcAuthInfo struct {
	Token string `json:"token"`
	Nonce string `json:"nonce"`
}

type rpcConnectAck struct {
	Protocol int `json:"protocol"`
}

type rpcChatParams struct {
	SessionKey     string    `json:"sessionKey"`
	Messages       []Message `json:"messages"`
	IdempotencyKey string    `json:"idempotencyKey"`
	TimeoutMs      int64     `json:"timeoutMs"`
}

type rpcChatEvent struct {
	RunID        string `json:"runId"`
	State        string `json:"state"` // "delta", "thinking", "final", "error", "aborted"
	Text         string `json:"text"`
	ErrorMessage string `json:"errorMessage"`
	Usage        *struct {
		Model        string `json:"model"`
		InputTokens  int    `json:"inputTokens"`
		OutputTokens int    `json:"outputTokens"`
	} `json:"usage"`
}

// RPCAdapter speaks the gateway's challenge-response WebSocket protocol. A
// fresh connection is opened per call and closed when the run terminates, so
// run events can never leak across calls.
type RPCAdapter struct {
	wsURL    string
	tokens   TokenProvider
	clientID string
	version  string
	timeout  time.Duration
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewRPCAdapter creates an adapter dialing wsURL for each call.
func NewRPCAdapter(log *slog.Logger, wsURL string, tokens TokenProvider, clientID, version string, timeout time.Duration) *RPCAdapter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &RPCAdapter{
		wsURL:    wsURL,
		tokens:   tokens,
		clientID: clientID,
		version:  version,
		timeout:  timeout,
		dialer:   websocket.DefaultDialer,
		logger:   log.With(slog.String("component", "rpc_adapter")),
	}
}

// Stream dials the gateway, performs the challenge-response handshake, sends
// the chat request, and relays run events. Dial failures return a retryable
// error; any handshake irregularity wraps ErrProtocol and is permanent.
func (a *RPCAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch bearer token: %w", err)
	}

	conn, _, err := a.dialer.DialContext(ctx, a.wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	if err := a.handshake(conn, token); err != nil {
		conn.Close()
		return nil, err
	}

	start := time.Now()
	chatID := uuid.NewString()
	chatParams, err := json.Marshal(rpcChatParams{
		SessionKey:     req.SessionKey,
		Messages:       req.Messages,
		IdempotencyKey: uuid.NewString(),
		TimeoutMs:      a.timeout.Milliseconds(),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	if err := a.writeFrame(conn, rpcFrame{Type: "req", ID: chatID, Method: "chat.send", Params: chatParams}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send chat request: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go a.readLoop(conn, events, start)
	return events, nil
}

// handshake waits for the challenge frame, answers it with a connect request
// carrying protocol bounds and the bearer credential, and verifies the
// acknowledgement names a negotiated protocol version.
func (a *RPCAdapter) handshake(conn *websocket.Conn, token string) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var challenge rpcFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("%w: reading challenge: %v", ErrProtocol, err)
	}
	if challenge.Type != "event" || challenge.Event != "challenge" {
		return fmt.Errorf("%w: expected challenge, got %s/%s", ErrProtocol, challenge.Type, challenge.Event)
	}
	var payload rpcChallengePayload
	if err := json.Unmarshal(challenge.Payload, &payload); err != nil || payload.Nonce == "" {
		return fmt.Errorf("%w: challenge carries no nonce", ErrProtocol)
	}

	connectID := uuid.NewString()
	params, err := json.Marshal(rpcConnectParams{
		MinProtocol: rpcProtocolMin,
		MaxProtocol: rpcProtocolMax,
		Client:      rpcClientInfo{ID: a.clientID, Version: a.version, Platform: "chatrelay"},
		Auth:        rpcAuthInfo{Token: token, Nonce: payload.Nonce},
	})
	if err != nil {
		return fmt.Errorf("encode connect request: %w", err)
	}
	if err := a.writeFrame(conn, rpcFrame{Type: "req", ID: connectID, Method: "connect", Params: params}); err != nil {
		return fmt.Errorf("%w: sending connect: %v", ErrProtocol, err)
	}

	var ack rpcFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("%w: reading connect ack: %v", ErrProtocol, err)
	}
	if ack.Type != "res" || ack.ID != connectID || ack.OK == nil || !*ack.OK {
		return fmt.Errorf("%w: connect rejected", ErrProtocol)
	}
	var acked rpcConnectAck
	if err := json.Unmarshal(ack.Payload, &acked); err != nil || acked.Protocol < rpcProtocolMin || acked.Protocol > rpcProtocolMax {
		return fmt.Errorf("%w: no acceptable protocol version negotiated", ErrProtocol)
	}
	a.logger.Debug("gateway handshake complete", slog.Int("protocol", acked.Protocol))
	return nil
}

// readLoop relays chat events for the locked-on run until a terminal state.
// The handshake may fan out to a routing run before the real run starts, so
// the adapter locks onto the first run id that produces non-empty content and
// drops events from any other run observed on the same socket.
func (a *RPCAdapter) readLoop(conn *websocket.Conn, events chan<- StreamEvent, start time.Time) {
	defer close(events)
	defer conn.Close()

	var (
		lockedRun    string
		lastContent  string
		lastThinking string
		usage        Usage
	)

	conn.SetReadDeadline(time.Now().Add(a.timeout))
	for {
		var frame rpcFrame
		if err := conn.ReadJSON(&frame); err != nil {
			events <- ErrorEvent(fmt.Sprintf("gateway stream read failed: %v", err))
			return
		}
		if frame.Type != "event" || frame.Event != "chat" {
			continue
		}
		var ev rpcChatEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			a.logger.Debug("skipping unparseable chat event", slog.String("error", err.Error()))
			continue
		}
		if ev.RunID == "" {
			continue
		}
		if lockedRun == "" {
			if ev.Text == "" && ev.State != "error" && ev.State != "aborted" {
				continue
			}
			lockedRun = ev.RunID
		}
		if ev.RunID != lockedRun {
			continue
		}

		if ev.Usage != nil {
			usage.Model = ev.Usage.Model
			usage.InputTokens = ev.Usage.InputTokens
			usage.OutputTokens = ev.Usage.OutputTokens
		}

		switch ev.State {
		case "thinking":
			if delta := CumulativeDelta(lastThinking, ev.Text); delta != "" {
				lastThinking = ev.Text
				events <- ThinkingDelta(delta)
			}
		case "delta":
			if delta := CumulativeDelta(lastContent, ev.Text); delta != "" {
				lastContent = ev.Text
				events <- ContentDelta(delta)
			}
		case "final":
			if delta := CumulativeDelta(lastContent, ev.Text); delta != "" {
				events <- ContentDelta(delta)
			}
			usage.LatencyMs = time.Since(start).Milliseconds()
			events <- UsageEvent(usage)
			return
		case "error":
			msg := ev.ErrorMessage
			if msg == "" {
				msg = "gateway reported an unspecified run error"
			}
			events <- ErrorEvent(msg)
			return
		case "aborted":
			events <- ErrorEvent("run aborted by gateway")
			return
		}
	}
}

func (a *RPCAdapter) writeFrame(conn *websocket.Conn, frame rpcFrame) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(frame)
}
