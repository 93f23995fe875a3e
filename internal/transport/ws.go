package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/marketmirror/config"
	"github.com/coachpo/marketmirror/internal/auth"
	"github.com/coachpo/marketmirror/internal/observability"
)

const (
	wsReadLimit            = 1 << 22
	wsMaxReconnectInterval = 30 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

type wsCommand struct {
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     int64  `json:"id,omitempty"`
}

type loginParams struct {
	Key       string `json:"pKey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type subscribeParams struct {
	Symbol string `json:"symbol,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// StreamHandler consumes normalized stream events. Called from the read loop;
// it must not block.
type StreamHandler func(StreamEvents)

// WSManager maintains one websocket session against the venue: connect,
// authenticate, subscribe, read, and reconnect with exponential backoff. A
// signer is required for the private report/balance channels; without one the
// manager serves public book subscriptions only.
type WSManager struct {
	cfg     config.TransportSettings
	venue   string
	signer  *auth.Signer
	handler StreamHandler

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu  sync.Mutex
	symbols map[string]struct{}

	cmdID atomic.Int64

	readyOnce sync.Once
	ready     chan struct{}
}

// NewWSManager constructs a manager. Run starts the session.
func NewWSManager(cfg config.TransportSettings, venue string, signer *auth.Signer, handler StreamHandler) *WSManager {
	return &WSManager{
		cfg:     cfg,
		venue:   venue,
		signer:  signer,
		handler: handler,
		symbols: make(map[string]struct{}),
		ready:   make(chan struct{}),
	}
}

// Run blocks maintaining the session until the context is cancelled.
func (m *WSManager) Run(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()
	return m.connectLoop()
}

// Ready is closed after the first successful connection.
func (m *WSManager) Ready() <-chan struct{} {
	return m.ready
}

// SubscribeOrderbook registers a symbol; the subscription survives reconnects.
func (m *WSManager) SubscribeOrderbook(symbol string) error {
	m.subsMu.Lock()
	_, exists := m.symbols[symbol]
	m.symbols[symbol] = struct{}{}
	m.subsMu.Unlock()
	if exists {
		return nil
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		// Not connected yet; the subscription is sent on connect.
		return nil
	}
	return m.send(conn, wsCommand{
		Method: methodSubscribeOrderbook,
		Params: subscribeParams{Symbol: VenueSymbol(symbol), Limit: 100},
		ID:     m.cmdID.Add(1),
	})
}

// UnsubscribeOrderbook drops the symbol subscription.
func (m *WSManager) UnsubscribeOrderbook(symbol string) error {
	m.subsMu.Lock()
	delete(m.symbols, symbol)
	m.subsMu.Unlock()

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return m.send(conn, wsCommand{
		Method: methodUnsubscribeOrderbook,
		Params: subscribeParams{Symbol: VenueSymbol(symbol)},
		ID:     m.cmdID.Add(1),
	})
}

func (m *WSManager) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectInterval

	for {
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		dialCtx, dialCancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, m.cfg.WebsocketURL, nil)
		dialCancel()
		if err != nil {
			observability.Log().Warn("websocket dial failed",
				observability.F("url", m.cfg.WebsocketURL),
				observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = wsMaxReconnectInterval
			}
			select {
			case <-m.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(wsReadLimit)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()

		if err := m.openSession(conn); err != nil {
			observability.Log().Error("websocket session setup failed",
				observability.F("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "session setup failed")
			m.clearConn()
			continue
		}

		backoffCfg.Reset()
		m.readyOnce.Do(func() { close(m.ready) })

		connCtx, connCancel := context.WithCancel(m.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- m.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- m.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		wg.Wait()
		m.clearConn()

		if m.ctx.Err() != nil {
			return context.Canceled
		}
		observability.Log().Warn("websocket session ended; reconnecting",
			observability.F("error", fmt.Sprint(firstErr)))
	}
}

// openSession authenticates (when credentials exist) and replays every
// registered subscription onto the fresh connection.
func (m *WSManager) openSession(conn *websocket.Conn) error {
	if m.signer != nil {
		login, err := m.signer.Login()
		if err != nil {
			return err
		}
		err = m.send(conn, wsCommand{
			Method: methodLogin,
			Params: loginParams{Key: login.Key, Nonce: login.Nonce, Signature: login.Signature},
			ID:     m.cmdID.Add(1),
		})
		if err != nil {
			return err
		}
		if err := m.send(conn, wsCommand{Method: methodSubscribeReports, Params: struct{}{}, ID: m.cmdID.Add(1)}); err != nil {
			return err
		}
		if err := m.send(conn, wsCommand{Method: methodSubscribeBalances, Params: struct{}{}, ID: m.cmdID.Add(1)}); err != nil {
			return err
		}
	}

	m.subsMu.Lock()
	symbols := make([]string, 0, len(m.symbols))
	for symbol := range m.symbols {
		symbols = append(symbols, symbol)
	}
	m.subsMu.Unlock()

	for _, symbol := range symbols {
		err := m.send(conn, wsCommand{
			Method: methodSubscribeOrderbook,
			Params: subscribeParams{Symbol: VenueSymbol(symbol), Limit: 100},
			ID:     m.cmdID.Add(1),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *WSManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		events, err := ParseStreamMessage(raw)
		if err != nil {
			observability.Log().Warn("dropping undecodable stream frame",
				observability.F("error", err.Error()))
			continue
		}
		if events.Ack {
			continue
		}
		if m.handler != nil {
			m.handler(events)
		}
	}
}

func (m *WSManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	interval := m.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (m *WSManager) send(conn *websocket.Conn, cmd wsCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(m.ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func (m *WSManager) clearConn() {
	m.connMu.Lock()
	m.conn = nil
	m.connMu.Unlock()
}
