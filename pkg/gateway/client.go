// Package gateway клиент WebRTC шлюза: JSON сообщения по WebSocket,
// медиа через pion/webrtc. Реализует call.Signaling.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/call"
	"github.com/arzzra/web_phone/pkg/media"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMinBackoff     = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultReorderDepth   = 3

	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

// ErrNotConnected нет соединения со шлюзом
var ErrNotConnected = errors.New("gateway is not connected")

// ErrNoCall нет текущего вызова
var ErrNoCall = errors.New("no call in progress")

// Config конфигурация клиента шлюза
type Config struct {
	URL    string
	Header http.Header
	// ICEServers адреса STUN/TURN
	ICEServers []string

	RequestTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
	// ReorderDepth глубина восстановления порядка RTP, 0 - выключено
	ReorderDepth int

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// wsConn одно WebSocket соединение
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) trySend(data []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	case c.send <- data:
		return nil
	default:
		return errors.New("gateway send buffer is full")
	}
}

// Client клиент шлюза. Один вызов за раз.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	dialer  *websocket.Dialer
	newPeer peerFactory

	mu       sync.Mutex
	conn     *wsConn
	state    call.ConnectionState
	handlers call.Handlers
	pending  map[string]chan Message
	peer     peer
	callID   string
}

// New создает клиент. Соединение устанавливает Run.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReorderDepth < 0 {
		cfg.ReorderDepth = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
		dialer:  websocket.DefaultDialer,
		state:   call.ConnectionDisconnected,
		pending: make(map[string]chan Message),
	}
	c.newPeer = func(video bool) (peer, error) {
		return newWebRTCPeer(cfg.ICEServers, cfg.ReorderDepth, video, c.logger)
	}
	return c
}

// Run поддерживает соединение со шлюзом, переподключаясь с
// экспоненциальной задержкой. Возвращается при отмене ctx.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		c.setState(call.ConnectionConnecting)
		connected, err := c.session(ctx)
		c.setState(call.ConnectionDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("нет соединения со шлюзом")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// session одно подключение: возвращается при его потере
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return false, errors.Wrap(err, "dial gateway")
	}
	conn := &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(call.ConnectionConnected)
	c.logger.Info().Str("url", c.cfg.URL).Msg("соединение со шлюзом установлено")

	// уведомления контроллеру идут последовательно и не из readPump:
	// обработчики сами делают запросы к шлюзу
	events := make(chan func(), sendBuffer)
	go func() {
		for fn := range events {
			fn()
		}
	}()

	go c.writePump(conn)
	err = c.readPump(conn, events)
	conn.close()
	close(events)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	return true, err
}

func (c *Client) writePump(conn *wsConn) {
	ping := c.cfg.Clock.Ticker(c.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("запись в шлюз не удалась")
				conn.close()
				return
			}
		case <-ping.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (c *Client) readPump(conn *wsConn, events chan<- func()) error {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read gateway")
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("некорректное сообщение шлюза")
			continue
		}
		c.dispatch(conn, msg, events)
	}
}

func (c *Client) dispatch(conn *wsConn, msg Message, events chan<- func()) {
	if msg.Transaction != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.Transaction]
		if ok {
			delete(c.pending, msg.Transaction)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	h := c.handlers
	current := c.callID
	c.mu.Unlock()

	switch msg.Type {
	case TypePing:
		if data, err := Encode(Message{Type: TypePong, Transaction: msg.Transaction}); err == nil {
			_ = conn.trySend(data)
		}
	case TypeOffer:
		offer := call.Offer{
			ID:               msg.CallID,
			RemoteIdentifier: msg.From,
			SignalingPayload: msg.SDP,
			ReceivedAt:       c.cfg.Clock.Now(),
		}
		if h.OnOffer != nil {
			events <- func() { h.OnOffer(offer) }
		}
	case TypeCancel:
		if h.OnOfferCancelled != nil {
			id := msg.CallID
			events <- func() { h.OnOfferCancelled(id) }
		}
	case TypeHangup:
		if msg.CallID != "" && msg.CallID != current {
			c.logger.Debug().Str("call_id", msg.CallID).Msg("завершение чужого вызова проигнорировано")
			return
		}
		c.dropCall()
		if h.OnRemoteHangup != nil {
			events <- h.OnRemoteHangup
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("неизвестное сообщение шлюза")
	}
}

func (c *Client) setState(state call.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	h := c.handlers.OnConnectionState
	c.mu.Unlock()
	if h != nil {
		h(state)
	}
}

// request отправляет запрос и ждет ответа с тем же transaction
func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	msg.Transaction = uuid.NewString()
	data, err := Encode(msg)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	c.pending[msg.Transaction] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Transaction)
		c.mu.Unlock()
	}()

	if err := conn.trySend(data); err != nil {
		return Message{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrNotConnected
		}
		if resp.Type == TypeError {
			return Message{}, &GatewayError{Request: msg.Type, Code: resp.Code, Reason: resp.Reason}
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, errors.Wrapf(ctx.Err(), "%s request", msg.Type)
	}
}

// ---- call.Signaling ----

func (c *Client) PlaceOutboundCall(ctx context.Context, number string, withVideo bool) error {
	p, err := c.newPeer(withVideo)
	if err != nil {
		return err
	}
	offer, err := p.CreateOffer(ctx)
	if err != nil {
		_ = p.Close()
		return err
	}

	callID := uuid.NewString()
	resp, err := c.request(ctx, Message{Type: TypeCall, CallID: callID, Number: number, Video: withVideo, SDP: offer})
	if err == nil && resp.Type != TypeAnswer {
		err = errors.Errorf("unexpected %s in reply to call", resp.Type)
	}
	if err == nil {
		err = p.SetAnswer(resp.SDP)
	}
	if err != nil {
		_ = p.Close()
		return err
	}

	c.setCall(callID, p)
	c.logger.Info().Str("call_id", callID).Str("number", number).Msg("исходящий вызов установлен")
	return nil
}

func (c *Client) AcceptIncoming(ctx context.Context, offer call.Offer) error {
	p, err := c.newPeer(offer.HasVideo())
	if err != nil {
		return err
	}
	answer, err := p.Answer(ctx, offer.SignalingPayload)
	if err == nil {
		_, err = c.request(ctx, Message{Type: TypeAccept, CallID: offer.ID, SDP: answer})
	}
	if err != nil {
		_ = p.Close()
		return err
	}

	c.setCall(offer.ID, p)
	return nil
}

func (c *Client) RejectIncoming(ctx context.Context, offer call.Offer) error {
	_, err := c.request(ctx, Message{Type: TypeReject, CallID: offer.ID, Code: 486, Reason: "Busy Here"})
	return err
}

func (c *Client) Hangup(ctx context.Context) error {
	callID := c.dropCall()
	if callID == "" {
		return ErrNoCall
	}
	_, err := c.request(ctx, Message{Type: TypeHangup, CallID: callID})
	return err
}

func (c *Client) SendDigit(ctx context.Context, digit string) error {
	callID := c.currentCall()
	if callID == "" {
		return ErrNoCall
	}
	_, err := c.request(ctx, Message{Type: TypeDTMF, CallID: callID, Digit: digit})
	return err
}

// SetHold сообщает шлюзу об удержании
func (c *Client) SetHold(ctx context.Context, hold bool) error {
	callID := c.currentCall()
	if callID == "" {
		return ErrNoCall
	}
	_, err := c.request(ctx, Message{Type: TypeHold, CallID: callID, Hold: &hold})
	return err
}

func (c *Client) setCall(callID string, p peer) {
	c.mu.Lock()
	old := c.peer
	c.callID, c.peer = callID, p
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// dropCall закрывает медиа текущего вызова и возвращает его ID
func (c *Client) dropCall() string {
	c.mu.Lock()
	callID, p := c.callID, c.peer
	c.callID, c.peer = "", nil
	c.mu.Unlock()
	if p != nil {
		if err := p.Close(); err != nil {
			c.logger.Warn().Err(err).Str("call_id", callID).Msg("медиа соединение закрыто с ошибкой")
		}
	}
	return callID
}

func (c *Client) currentCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

func (c *Client) LocalStream() media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer.LocalStream()
}

func (c *Client) RemoteStream() media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer.RemoteStream()
}

func (c *Client) ConnectionState() call.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetHandlers(h call.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}
