// Package sip_gateway реализует call.Signaling поверх SIP (sipgo):
// INVITE/ACK/BYE через кэши диалогов, DTMF через INFO
// (application/dtmf-relay), регистрация с digest авторизацией.
// Удаленное аудио принимается по RTP и отдается как media.Stream.
// Захват микрофона не выполняется, поэтому SDP объявляет recvonly.
package sip_gateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/call"
	"github.com/arzzra/web_phone/pkg/media"
)

const (
	DefaultListenAddr     = "0.0.0.0:5060"
	DefaultTransport      = "udp"
	DefaultUserAgent      = "web_phone"
	DefaultRegisterExpiry = 5 * time.Minute
	DefaultRetryInterval  = 10 * time.Second
	DefaultDigitDuration  = 100 * time.Millisecond
	DefaultReorderDepth   = 3

	eventBuffer = 64
)

var (
	// ErrNoCall нет установленного диалога
	ErrNoCall = errors.New("no call in progress")
	// ErrUnknownOffer предложение уже отменено или обработано
	ErrUnknownOffer = errors.New("unknown or expired offer")
)

// Config конфигурация SIP агента
type Config struct {
	ListenAddr string
	Transport  string
	// PublicHost адрес для Contact и SDP, по умолчанию хост ListenAddr
	PublicHost string
	UserAgent  string

	Username string
	Password string
	// Domain хост для номеров без схемы sip:
	Domain string
	// Registrar URI регистратора, пусто - без регистрации
	Registrar      string
	RegisterExpiry time.Duration
	RetryInterval  time.Duration

	// RTPHost адрес приема RTP, по умолчанию PublicHost
	RTPHost      string
	ReorderDepth int

	DigitDuration time.Duration
	// OnDigit вызывается при получении DTMF от собеседника
	OnDigit func(digit string)

	Clock  clock.Clock
	Logger *zerolog.Logger
}

type dialogSession interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	Bye(ctx context.Context) error
	Close() error
}

// activeCall установленный диалог
type activeCall struct {
	callID   string
	outgoing bool
	sess     dialogSession
	target   sip.Uri
	rtp      *rtpReceiver
}

func (c *activeCall) close() {
	_ = c.sess.Close()
	c.rtp.Close()
}

type decision struct {
	code   int
	answer []byte
	result chan error
}

// pendingInvite входящий INVITE, ожидающий решения
type pendingInvite struct {
	dss    *sipgo.DialogServerSession
	offer  []byte
	target sip.Uri
	decide chan decision
	gone   chan struct{}
}

// Agent SIP агент. Один вызов за раз.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	ua            *sipgo.UserAgent
	client        *sipgo.Client
	server        *sipgo.Server
	dialogClients *sipgo.DialogClientCache
	dialogServers *sipgo.DialogServerCache
	contact       sip.ContactHeader

	events chan func()

	mu       sync.Mutex
	state    call.ConnectionState
	handlers call.Handlers
	offers   map[string]*pendingInvite
	active   *activeCall
}

// New создает агента. Прослушивание и регистрацию запускает Run.
func New(cfg Config) (*Agent, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = DefaultRegisterExpiry
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DigitDuration <= 0 {
		cfg.DigitDuration = DefaultDigitDuration
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

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen addr %q", cfg.ListenAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen port %q", portStr)
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = host
		if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
			cfg.PublicHost = "127.0.0.1"
		}
	}
	if cfg.RTPHost == "" {
		cfg.RTPHost = cfg.PublicHost
	}
	user := cfg.Username
	if user == "" {
		user = cfg.UserAgent
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(user),
		sipgo.WithUserAgentHostname(cfg.PublicHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, errors.Wrap(err, "create server")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.PublicHost))
	if err != nil {
		_ = ua.Close()
		return nil, errors.Wrap(err, "create client")
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: cfg.PublicHost, Port: port},
	}

	a := &Agent{
		cfg:           cfg,
		logger:        cfg.Logger.With().Str("component", "sip_gateway").Logger(),
		ua:            ua,
		client:        client,
		server:        server,
		dialogClients: sipgo.NewDialogClientCache(client, contact),
		dialogServers: sipgo.NewDialogServerCache(client, contact),
		contact:       contact,
		events:        make(chan func(), eventBuffer),
		state:         call.ConnectionDisconnected,
		offers:        make(map[string]*pendingInvite),
	}

	server.OnInvite(a.onInvite)
	server.OnAck(a.onAck)
	server.OnBye(a.onBye)
	server.OnInfo(a.onInfo)
	return a, nil
}

// Run слушает SIP и поддерживает регистрацию до отмены ctx.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.dispatch(ctx)
	a.setState(call.ConnectionConnecting)

	served := make(chan error, 1)
	go func() {
		served <- a.server.ListenAndServe(ctx, a.cfg.Transport, a.cfg.ListenAddr)
	}()

	if a.cfg.Registrar == "" {
		a.setState(call.ConnectionConnected)
	} else {
		go a.registerLoop(ctx)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-served:
		if ctx.Err() == nil {
			err = errors.Wrap(err, "sip listener stopped")
		} else {
			err = nil
		}
	}

	a.setState(call.ConnectionDisconnected)
	a.mu.Lock()
	act := a.active
	a.active = nil
	a.mu.Unlock()
	if act != nil {
		act.close()
	}
	return err
}

// Close освобождает транспорт. Вызывается после завершения Run.
func (a *Agent) Close() error {
	return a.ua.Close()
}

func (a *Agent) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.events:
			fn()
		}
	}
}

// emit ставит уведомление в очередь, сохраняя порядок событий
func (a *Agent) emit(fn func()) {
	select {
	case a.events <- fn:
	default:
		a.logger.Warn().Msg("очередь событий переполнена, уведомление отброшено")
	}
}

func (a *Agent) setState(state call.ConnectionState) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	h := a.handlers.OnConnectionState
	a.mu.Unlock()

	a.logger.Info().Str("state", string(state)).Msg("состояние SIP соединения")
	if h != nil {
		a.emit(func() { h(state) })
	}
}

func (a *Agent) registerLoop(ctx context.Context) {
	for {
		wait := a.cfg.RetryInterval
		if err := a.register(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn().Err(err).Str("registrar", a.cfg.Registrar).Msg("регистрация не удалась")
			a.setState(call.ConnectionDisconnected)
		} else {
			a.setState(call.ConnectionConnected)
			wait = a.cfg.RegisterExpiry * 4 / 5
		}

		select {
		case <-ctx.Done():
			return
		case <-a.cfg.Clock.After(wait):
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	var registrar sip.Uri
	if err := sip.ParseUri(a.cfg.Registrar, &registrar); err != nil {
		return errors.Wrapf(err, "registrar %q", a.cfg.Registrar)
	}
	domain := a.cfg.Domain
	if domain == "" {
		domain = registrar.Host
	}
	aor := sip.Uri{Scheme: "sip", User: a.contact.Address.User, Host: domain}

	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.ToHeader{Address: aor})
	req.AppendHeader(&a.contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(a.cfg.RegisterExpiry/time.Second))))

	res, err := a.client.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = a.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		})
		if err != nil {
			return errors.Wrap(err, "register with auth")
		}
	}
	if res.StatusCode != 200 {
		return errors.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// target превращает номер в SIP URI
func (a *Agent) target(number string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		if err := sip.ParseUri(number, &uri); err != nil {
			return uri, errors.Wrapf(err, "target %q", number)
		}
		return uri, nil
	}

	domain := a.cfg.Domain
	if domain == "" {
		return uri, errors.New("sip domain is not configured")
	}
	uri = sip.Uri{Scheme: "sip", User: number, Host: domain}
	if host, port, err := net.SplitHostPort(domain); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return uri, errors.Wrapf(err, "domain port %q", port)
		}
		uri.Host, uri.Port = host, p
	}
	return uri, nil
}

func (a *Agent) sdpParams(rtp *rtpReceiver) sdpParams {
	return sdpParams{LocalIP: a.cfg.PublicHost, Port: rtp.Port()}
}

// PlaceOutboundCall INVITE с ожиданием финального ответа.
// Отмена ctx до ответа отменяет INVITE.
func (a *Agent) PlaceOutboundCall(ctx context.Context, number string, withVideo bool) error {
	uri, err := a.target(number)
	if err != nil {
		return err
	}

	a.mu.Lock()
	busy := a.active != nil
	a.mu.Unlock()
	if busy {
		return errors.New("call already in progress")
	}

	rtp, err := listenRTP(a.cfg.RTPHost, 0, "sip-"+uuid.NewString(), a.cfg.ReorderDepth, a.logger)
	if err != nil {
		return err
	}
	offer, err := buildOffer(a.sdpParams(rtp), withVideo)
	if err != nil {
		rtp.Close()
		return errors.Wrap(err, "build offer")
	}

	sess, err := a.dialogClients.Invite(ctx, uri, offer, sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		rtp.Close()
		return errors.Wrapf(err, "invite %s", uri.String())
	}
	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: a.cfg.Username,
		Password: a.cfg.Password,
	})
	if err != nil {
		_ = sess.Close()
		rtp.Close()
		return errors.Wrapf(err, "invite %s", uri.String())
	}

	remote, err := negotiate(sess.InviteResponse.Body())
	if err != nil {
		// диалог установлен, завершаем его
		_ = sess.Ack(ctx)
		_ = sess.Bye(ctx)
		_ = sess.Close()
		rtp.Close()
		return err
	}
	if err := sess.Ack(ctx); err != nil {
		_ = sess.Close()
		rtp.Close()
		return errors.Wrap(err, "ack")
	}

	target := uri
	if c := sess.InviteResponse.Contact(); c != nil {
		target = c.Address
	}
	rtp.Start(remote.Codec)

	a.mu.Lock()
	a.active = &activeCall{
		callID:   sess.InviteRequest.CallID().Value(),
		outgoing: true,
		sess:     sess,
		target:   target,
		rtp:      rtp,
	}
	a.mu.Unlock()

	a.logger.Info().Str("target", uri.String()).Str("codec", remote.Codec.Name).
		Str("remote", fmt.Sprintf("%s:%d", remote.Addr, remote.Port)).Msg("вызов установлен")
	return nil
}

func (a *Agent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dss, err := a.dialogServers.ReadInvite(req, tx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("некорректный INVITE")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	if err := dss.Respond(180, "Ringing", nil); err != nil {
		a.logger.Warn().Err(err).Msg("не удалось отправить 180 Ringing")
		_ = dss.Close()
		return
	}

	callID := req.CallID().Value()
	from := req.From().Address
	target := from
	if c := req.Contact(); c != nil {
		target = c.Address
	}
	remoteID := from.User
	if remoteID == "" {
		remoteID = from.String()
	}

	p := &pendingInvite{
		dss:    dss,
		offer:  req.Body(),
		target: target,
		decide: make(chan decision, 1),
		gone:   make(chan struct{}),
	}
	defer close(p.gone)

	a.mu.Lock()
	a.offers[callID] = p
	h := a.handlers
	a.mu.Unlock()

	offer := call.Offer{
		ID:               callID,
		RemoteIdentifier: remoteID,
		SignalingPayload: string(req.Body()),
		ReceivedAt:       a.cfg.Clock.Now(),
	}
	a.logger.Info().Str("call_id", callID).Str("from", remoteID).Msg("входящий INVITE")
	if h.OnOffer != nil {
		a.emit(func() { h.OnOffer(offer) })
	}

	select {
	case d := <-p.decide:
		var err error
		if d.answer != nil {
			err = dss.RespondSDP(d.answer)
		} else {
			err = dss.Respond(d.code, sipReason(d.code), nil)
		}
		d.result <- err
		if d.answer == nil || err != nil {
			_ = dss.Close()
		}
	case <-tx.Done():
		a.mu.Lock()
		_, stillPending := a.offers[callID]
		delete(a.offers, callID)
		a.mu.Unlock()
		_ = dss.Close()
		if stillPending {
			a.logger.Info().Str("call_id", callID).Msg("INVITE отменен")
			if h.OnOfferCancelled != nil {
				a.emit(func() { h.OnOfferCancelled(callID) })
			}
		}
	}
}

func sipReason(code int) string {
	switch code {
	case 486:
		return "Busy Here"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	}
	return ""
}

func (a *Agent) takeOffer(id string) (*pendingInvite, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.offers[id]
	if !ok {
		return nil, ErrUnknownOffer
	}
	delete(a.offers, id)
	return p, nil
}

func (a *Agent) decide(ctx context.Context, p *pendingInvite, d decision) error {
	d.result = make(chan error, 1)
	select {
	case p.decide <- d:
	case <-p.gone:
		return ErrUnknownOffer
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcceptIncoming отвечает 200 OK с SDP ответом.
// Предложение без поддерживаемого кодека отклоняется 488.
func (a *Agent) AcceptIncoming(ctx context.Context, offer call.Offer) error {
	p, err := a.takeOffer(offer.ID)
	if err != nil {
		return err
	}

	rtp, err := listenRTP(a.cfg.RTPHost, 0, "sip-"+offer.ID, a.cfg.ReorderDepth, a.logger)
	if err != nil {
		_ = a.decide(ctx, p, decision{code: 500})
		return err
	}
	answer, remote, err := buildAnswer(p.offer, a.sdpParams(rtp))
	if err != nil {
		rtp.Close()
		_ = a.decide(ctx, p, decision{code: 488})
		return err
	}

	act := &activeCall{callID: offer.ID, sess: p.dss, target: p.target, rtp: rtp}
	a.mu.Lock()
	a.active = act
	a.mu.Unlock()

	if err := a.decide(ctx, p, decision{answer: answer}); err != nil {
		a.mu.Lock()
		if a.active == act {
			a.active = nil
		}
		a.mu.Unlock()
		act.close()
		return errors.Wrap(err, "answer invite")
	}
	rtp.Start(remote.Codec)
	a.logger.Info().Str("call_id", offer.ID).Str("codec", remote.Codec.Name).Msg("входящий вызов принят")
	return nil
}

// RejectIncoming отвечает 486 Busy Here.
func (a *Agent) RejectIncoming(ctx context.Context, offer call.Offer) error {
	p, err := a.takeOffer(offer.ID)
	if err != nil {
		return err
	}
	return a.decide(ctx, p, decision{code: 486})
}

func (a *Agent) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.dialogServers.ReadAck(req, tx); err != nil {
		a.logger.Debug().Err(err).Msg("ACK вне диалога")
	}
}

func (a *Agent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	a.mu.Lock()
	act := a.active
	if act == nil || act.callID != callID {
		a.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	a.active = nil
	h := a.handlers.OnRemoteHangup
	a.mu.Unlock()

	var err error
	if act.outgoing {
		err = a.dialogClients.ReadBye(req, tx)
	} else {
		err = a.dialogServers.ReadBye(req, tx)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("call_id", callID).Msg("не удалось обработать BYE")
	}
	act.close()

	a.logger.Info().Str("call_id", callID).Msg("собеседник завершил вызов")
	if h != nil {
		a.emit(h)
	}
}

func (a *Agent) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	digit, err := parseDTMFRelay(req.Body())
	if err != nil {
		a.logger.Debug().Err(err).Msg("неподдерживаемый INFO")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	a.logger.Debug().Str("digit", digit).Msg("получен DTMF")
	if fn := a.cfg.OnDigit; fn != nil {
		a.emit(func() { fn(digit) })
	}
}

// Hangup отправляет BYE текущему диалогу.
func (a *Agent) Hangup(ctx context.Context) error {
	a.mu.Lock()
	act := a.active
	a.active = nil
	a.mu.Unlock()
	if act == nil {
		return ErrNoCall
	}
	defer act.close()

	if err := act.sess.Bye(ctx); err != nil {
		return errors.Wrap(err, "bye")
	}
	return nil
}

// SendDigit отправляет INFO application/dtmf-relay.
func (a *Agent) SendDigit(ctx context.Context, digit string) error {
	a.mu.Lock()
	act := a.active
	a.mu.Unlock()
	if act == nil {
		return ErrNoCall
	}

	req := sip.NewRequest(sip.INFO, act.target)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody(formatDTMFRelay(digit, a.cfg.DigitDuration))

	res, err := act.sess.Do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "info dtmf %s", digit)
	}
	if res.StatusCode >= 300 {
		return errors.Errorf("info dtmf %s: %d %s", digit, res.StatusCode, res.Reason)
	}
	return nil
}

func (a *Agent) LocalStream() media.Stream { return nil }

func (a *Agent) RemoteStream() media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	return a.active.rtp.Stream()
}

func (a *Agent) ConnectionState() call.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) SetHandlers(h call.Handlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

var _ call.Signaling = (*Agent)(nil)
