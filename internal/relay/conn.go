// internal/relay/conn.go

// Package relay держит единственное апстрим-соединение: сетевой цикл,
// хендшейк, heartbeat-обмен, подписки с receipt-корреляцией и
// реконсиляцию после reconnect. Сетевой цикл — единственный писатель
// ConnState и реестра подписок; внешние воздействия приходят через
// control-inbox, а не прямой мутацией.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/internal/stomp"
	"github.com/YaganovValera/market-data-relay/pkg/backoff"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

// Sink принимает разобранные рыночные сообщения из сетевого цикла.
// Реализация не имеет права блокировать (см. bridge).
type Sink interface {
	Publish(msg bridge.Message) error
}

// Config задаёт параметры апстрим-соединения.
type Config struct {
	URL                  string         `mapstructure:"url"`
	AuthToken            string         `mapstructure:"auth_token"`
	Heartbeat            time.Duration  `mapstructure:"heartbeat_interval"`
	HandshakeTimeout     time.Duration  `mapstructure:"handshake_timeout"`
	AckTimeout           time.Duration  `mapstructure:"ack_timeout"`
	MaxReconnectAttempts int            `mapstructure:"max_reconnect_attempts"`
	Backoff              backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 4 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Validate checks config for required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("upstream: URL is required")
	}
	return nil
}

type controlKind uint8

const (
	ctrlSubscribe controlKind = iota
	ctrlUnsubscribe
	ctrlReconnect
)

// controlMsg — запрос внешнего кода сетевому циклу.
type controlMsg struct {
	kind  controlKind
	topic string
	reply chan error // buffered(1); может быть nil
}

// pendingOp — отправленный кадр, ждущий RECEIPT/ERROR от фида.
type pendingOp struct {
	kind     controlKind
	topic    string
	reply    chan error
	issuedAt time.Time
}

// Conn — менеджер единственного апстрим-соединения.
type Conn struct {
	cfg    Config
	log    *logger.Logger
	reg    *Registry
	sink   Sink
	dialer *websocket.Dialer
	connID string

	inbox    chan controlMsg
	state    stateVar
	lastBeat atomicTime

	// pending принадлежит исключительно сетевому циклу.
	pending map[string]pendingOp

	onFatal func(error)
}

// New создаёт Conn. Соединение не открывается до Run.
func New(cfg Config, reg *Registry, sink Sink, log *logger.Logger) (*Conn, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Conn{
		cfg:     cfg,
		log:     log.Named("upstream"),
		reg:     reg,
		sink:    sink,
		dialer:  websocket.DefaultDialer,
		connID:  uuid.NewString(),
		inbox:   make(chan controlMsg, 64),
		pending: make(map[string]pendingOp),
	}, nil
}

// SetFatalHook задаёт обработчик FatalConnectionError (health-монитор).
// Вызывать до Run.
func (c *Conn) SetFatalHook(fn func(error)) { c.onFatal = fn }

// State возвращает текущее состояние соединения.
func (c *Conn) State() ConnState { return c.state.get() }

// LastHeartbeat — момент последнего признака жизни фида.
func (c *Conn) LastHeartbeat() time.Time { return c.lastBeat.get() }

// Subscribe просит сетевой цикл подписаться на topic и ждёт
// подтверждения фида либо отмены ctx.
func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	return c.control(ctx, controlMsg{kind: ctrlSubscribe, topic: topic, reply: make(chan error, 1)})
}

// Unsubscribe просит сетевой цикл отписаться от topic.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	return c.control(ctx, controlMsg{kind: ctrlUnsubscribe, topic: topic, reply: make(chan error, 1)})
}

// RequestReconnect просит сетевой цикл пересоздать соединение.
// Неблокирующий: при переполненном inbox запрос теряется (цикл и так
// чем-то занят, reconnect догонит его по heartbeat-таймауту).
func (c *Conn) RequestReconnect() {
	select {
	case c.inbox <- controlMsg{kind: ctrlReconnect}:
	default:
	}
}

func (c *Conn) control(ctx context.Context, msg controlMsg) error {
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run запускает сетевой цикл и блокирует до отмены ctx или
// FatalConnectionError (исчерпан лимит переподключений).
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected, "run exit")

	bo := backoff.New(c.cfg.Backoff)
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(StateConnecting, "dialing")
		ws, hb, err := c.handshake(ctx)
		if err != nil {
			metrics.HandshakeFailures.Inc()
			attempts++
			c.log.Warn("handshake failed",
				zap.Error(err),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
			)
			if attempts >= c.cfg.MaxReconnectAttempts {
				fatal := &FatalConnectionError{Attempts: attempts, Err: err}
				c.setState(StateDisconnected, "attempts exhausted")
				if c.onFatal != nil {
					c.onFatal(fatal)
				}
				return fatal
			}
			c.setState(StateReconnectWait, "backoff")
			if werr := c.waitRetry(ctx, bo.NextBackOff()); werr != nil {
				return werr
			}
			continue
		}

		attempts = 0
		bo.Reset()
		c.markBeat()
		c.setState(StateConnected, "handshake ok")
		c.log.Info("connected",
			zap.String("url", c.cfg.URL),
			zap.Duration("heartbeat", hb),
		)

		if err := c.reconcile(ws); err != nil {
			c.log.Warn("reconcile failed, reconnecting", zap.Error(err))
			c.teardown(ws, err)
			c.setState(StateDegraded, "reconcile failed")
			continue
		}

		err = c.session(ctx, ws, hb)
		switch {
		case ctx.Err() != nil:
			c.disconnect(ws)
			c.teardown(nil, ErrShuttingDown)
			return ctx.Err()
		case errors.Is(err, errReconnectRequested):
			metrics.Reconnects.WithLabelValues("requested").Inc()
			c.log.Info("reconnect requested")
			c.teardown(ws, err)
			c.setState(StateDisconnected, "reconnect requested")
		case errors.Is(err, errHeartbeatTimeout):
			metrics.Reconnects.WithLabelValues("heartbeat").Inc()
			c.log.Warn("heartbeat timeout, reconnecting")
			c.setState(StateDegraded, "heartbeat timeout")
			c.teardown(ws, err)
		default:
			metrics.Reconnects.WithLabelValues("read_error").Inc()
			c.log.Warn("session ended, reconnecting", zap.Error(err))
			c.setState(StateDegraded, "read error")
			c.teardown(ws, err)
		}
	}
}

// handshake: dial + CONNECT → CONNECTED в пределах HandshakeTimeout.
// Возвращает согласованный heartbeat-интервал.
func (c *Conn) handshake(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, 0, &HandshakeError{Reason: "dial failed", Err: err}
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	connect := stomp.NewConnect(c.cfg.AuthToken, c.connID, c.cfg.Heartbeat)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, stomp.Encode(connect)); err != nil {
		ws.Close()
		return nil, 0, &HandshakeError{Reason: "CONNECT write failed", Err: err}
	}

	_ = ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, 0, &HandshakeError{Reason: "no CONNECTED acknowledgment", Err: err}
		}
		f, perr := stomp.Parse(data)
		if perr != nil {
			metrics.ProtocolErrors.Inc()
			c.log.Warn("malformed frame during handshake, skipping", zap.Error(perr))
			continue
		}
		switch f.Command {
		case stomp.CmdConnected:
			metrics.FramesTotal.WithLabelValues("CONNECTED").Inc()
			return ws, c.negotiateHeartbeat(f), nil
		case stomp.CmdError:
			msg, _ := f.Get(stomp.HdrMessage)
			ws.Close()
			return nil, 0, &HandshakeError{Reason: fmt.Sprintf("upstream rejected CONNECT: %s", msg)}
		case stomp.CmdHeartbeat:
			continue
		default:
			c.log.Debug("unexpected frame during handshake", zap.Stringer("command", f.Command))
		}
	}
}

// negotiateHeartbeat принимает больший из предложенного нами и
// требуемого сервером интервалов (частить нельзя, реже — можно).
func (c *Conn) negotiateHeartbeat(f *stomp.Frame) time.Duration {
	hb := c.cfg.Heartbeat
	v, ok := f.Get(stomp.HdrHeartBeat)
	if !ok {
		return hb
	}
	_, recv, err := stomp.ParseHeartBeat(v)
	if err != nil {
		c.log.Warn("unparseable heart-beat header, keeping proposed", zap.Error(err))
		return hb
	}
	if recv > hb {
		hb = recv
	}
	return hb
}

// reconcile переиздаёт SUBSCRIBE для всех желаемых топиков.
// Повторный SUBSCRIBE с тем же id для фида идемпотентен.
func (c *Conn) reconcile(ws *websocket.Conn) error {
	if n := c.reg.Sweep(); n > 0 {
		c.log.Debug("registry sweep", zap.Int("removed", n))
	}
	c.reg.ResetToPending()

	desired := c.reg.Desired()
	for _, sub := range desired {
		receipt := "r-" + uuid.NewString()
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout))
		frame := stomp.NewSubscribe(sub.Topic, sub.ID, receipt)
		if err := ws.WriteMessage(websocket.TextMessage, stomp.Encode(frame)); err != nil {
			return fmt.Errorf("re-subscribe %q: %w", sub.Topic, err)
		}
		c.pending[receipt] = pendingOp{kind: ctrlSubscribe, topic: sub.Topic, issuedAt: time.Now()}
	}
	if len(desired) > 0 {
		c.log.Info("reconciling subscriptions", zap.Int("topics", len(desired)))
	}
	return nil
}

// inFrame — результат чтения одного кадра.
type inFrame struct {
	frame *stomp.Frame
	err   error
}

// session обслуживает установленное соединение: чтение кадров,
// отправка heartbeat, control-inbox. Возвращает причину разрыва.
func (c *Conn) session(ctx context.Context, ws *websocket.Conn, hb time.Duration) error {
	// Два пропущенных интервала подряд → считаем канал мёртвым.
	readTimeout := 2 * hb

	done := make(chan struct{})
	defer close(done)

	frames := make(chan inFrame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := ws.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				case <-done:
				}
				return
			}
			f, perr := stomp.Parse(data)
			select {
			case frames <- inFrame{frame: f, err: perr}:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return errHeartbeatTimeout
			}
			return err

		case in := <-frames:
			if in.err != nil {
				metrics.ProtocolErrors.Inc()
				c.log.Warn("malformed frame skipped", zap.Error(in.err))
				continue
			}
			c.markBeat()
			c.handleFrame(in.frame)

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, stomp.Encode(stomp.Heartbeat())); err != nil {
				return fmt.Errorf("heartbeat write: %w", err)
			}
			c.expirePending()

		case msg := <-c.inbox:
			if err := c.handleControl(ws, msg); err != nil {
				return err
			}
		}
	}
}

// handleFrame обрабатывает один кадр. Закрытое множество команд —
// ветвление исчерпывающее.
func (c *Conn) handleFrame(f *stomp.Frame) {
	metrics.FramesTotal.WithLabelValues(f.Command.String()).Inc()

	switch f.Command {
	case stomp.CmdHeartbeat:
		// уже учтён в markBeat

	case stomp.CmdMessage:
		subID, _ := f.Get(stomp.HdrSubscription)
		topic, live := c.reg.TopicByID(subID)
		if !live {
			metrics.MessagesIgnored.Inc()
			dest, _ := f.Get(stomp.HdrDestination)
			c.log.Debug("message for unsubscribed topic ignored",
				zap.String("subscription", subID),
				zap.String("destination", dest),
			)
			return
		}
		body := make([]byte, len(f.Body))
		copy(body, f.Body)
		if err := c.sink.Publish(bridge.Message{
			Topic:      topic,
			Payload:    body,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			c.log.Debug("bridge rejected message", zap.String("topic", topic), zap.Error(err))
		}

	case stomp.CmdReceipt:
		rid, _ := f.Get(stomp.HdrReceiptID)
		op, ok := c.pending[rid]
		if !ok {
			c.log.Debug("receipt without pending operation", zap.String("receipt_id", rid))
			return
		}
		delete(c.pending, rid)
		if op.kind == ctrlSubscribe {
			c.reg.Confirm(op.topic)
		}
		if op.reply != nil {
			op.reply <- nil
		}

	case stomp.CmdError:
		msg, _ := f.Get(stomp.HdrMessage)
		if rid, ok := f.Get(stomp.HdrReceiptID); ok {
			if op, found := c.pending[rid]; found {
				delete(c.pending, rid)
				c.reg.Fail(op.topic, msg)
				if op.reply != nil {
					op.reply <- &SubscriptionError{Topic: op.topic, Reason: msg}
				}
				return
			}
		}
		c.log.Warn("upstream error frame", zap.String("message", msg))

	case stomp.CmdConnected:
		c.log.Debug("unexpected CONNECTED mid-session")

	case stomp.CmdConnect, stomp.CmdSubscribe, stomp.CmdUnsubscribe, stomp.CmdDisconnect:
		// клиентские команды от сервера не приходят
		c.log.Debug("unexpected client command from upstream", zap.Stringer("command", f.Command))
	}
}

// handleControl применяет запрос из inbox. Ненулевая ошибка рвёт сессию.
func (c *Conn) handleControl(ws *websocket.Conn, msg controlMsg) error {
	switch msg.kind {
	case ctrlSubscribe:
		sub := c.reg.Add(msg.topic)
		if sub.State == SubActive {
			msg.reply <- nil
			return nil
		}
		receipt := "r-" + uuid.NewString()
		frame := stomp.NewSubscribe(msg.topic, sub.ID, receipt)
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, stomp.Encode(frame)); err != nil {
			msg.reply <- fmt.Errorf("subscribe write: %w", err)
			return err
		}
		c.pending[receipt] = pendingOp{kind: ctrlSubscribe, topic: msg.topic, reply: msg.reply, issuedAt: time.Now()}
		return nil

	case ctrlUnsubscribe:
		sub, wasLive := c.reg.Remove(msg.topic)
		if !wasLive {
			msg.reply <- nil
			return nil
		}
		receipt := "r-" + uuid.NewString()
		frame := stomp.NewUnsubscribe(sub.ID, receipt)
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, stomp.Encode(frame)); err != nil {
			msg.reply <- fmt.Errorf("unsubscribe write: %w", err)
			return err
		}
		c.pending[receipt] = pendingOp{kind: ctrlUnsubscribe, topic: msg.topic, reply: msg.reply, issuedAt: time.Now()}
		return nil

	case ctrlReconnect:
		if msg.reply != nil {
			msg.reply <- nil
		}
		return errReconnectRequested
	}
	return nil
}

// waitRetry пережидает backoff-паузу, продолжая обслуживать inbox:
// команды вне соединения мутируют только желаемое состояние реестра
// и отвечают сразу — подписка доедет при реконсиляции.
func (c *Conn) waitRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case msg := <-c.inbox:
			switch msg.kind {
			case ctrlSubscribe:
				c.reg.Add(msg.topic)
				msg.reply <- nil
			case ctrlUnsubscribe:
				c.reg.Remove(msg.topic)
				msg.reply <- nil
			case ctrlReconnect:
				return nil
			}
		}
	}
}

// expirePending отстреливает операции, не дождавшиеся receipt.
// Подписка остаётся Pending и будет повторена при реконсиляции.
func (c *Conn) expirePending() {
	now := time.Now()
	for rid, op := range c.pending {
		if now.Sub(op.issuedAt) < c.cfg.AckTimeout {
			continue
		}
		delete(c.pending, rid)
		if op.reply != nil {
			op.reply <- ErrCommandTimeout
		}
		c.log.Warn("acknowledgment timed out",
			zap.String("topic", op.topic),
			zap.String("receipt_id", rid),
		)
	}
}

// teardown закрывает сокет и отвечает ошибкой всем висящим операциям.
func (c *Conn) teardown(ws *websocket.Conn, cause error) {
	if ws != nil {
		_ = ws.Close()
	}
	for rid, op := range c.pending {
		delete(c.pending, rid)
		if op.reply != nil {
			op.reply <- fmt.Errorf("connection lost: %w", cause)
		}
	}
}

// disconnect вежливо завершает сессию DISCONNECT-кадром.
func (c *Conn) disconnect(ws *websocket.Conn) {
	_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteMessage(websocket.TextMessage, stomp.Encode(stomp.NewDisconnect()))
	_ = ws.Close()
}

func (c *Conn) setState(to ConnState, cause string) {
	from, ok := c.state.set(to)
	if from == to {
		return
	}
	if !ok {
		c.log.Warn("irregular state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("cause", cause),
		)
		return
	}
	c.log.Debug("state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("cause", cause),
	)
}

func (c *Conn) markBeat() { c.lastBeat.set(time.Now()) }
