// internal/stomp/frame.go

// Package stomp реализует кадрирование STOMP-диалекта апстрим-фида:
// разбор входящих кадров в закрытое множество команд и зеркальную
// сериализацию исходящих. Пакет не знает о транспорте — на входе и
// выходе только байты одного кадра.
package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command — закрытое множество команд протокола.
type Command uint8

const (
	CmdHeartbeat Command = iota // пустой кадр "\n"
	CmdConnect
	CmdConnected
	CmdSubscribe
	CmdUnsubscribe
	CmdMessage
	CmdReceipt
	CmdError
	CmdDisconnect
)

var commandNames = map[Command]string{
	CmdHeartbeat:   "HEARTBEAT",
	CmdConnect:     "CONNECT",
	CmdConnected:   "CONNECTED",
	CmdSubscribe:   "SUBSCRIBE",
	CmdUnsubscribe: "UNSUBSCRIBE",
	CmdMessage:     "MESSAGE",
	CmdReceipt:     "RECEIPT",
	CmdError:       "ERROR",
	CmdDisconnect:  "DISCONNECT",
}

var commandByName = map[string]Command{
	"CONNECT":     CmdConnect,
	"CONNECTED":   CmdConnected,
	"SUBSCRIBE":   CmdSubscribe,
	"UNSUBSCRIBE": CmdUnsubscribe,
	"MESSAGE":     CmdMessage,
	"RECEIPT":     CmdReceipt,
	"ERROR":       CmdError,
	"DISCONNECT":  CmdDisconnect,
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Стандартные имена заголовков фида.
const (
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrSubscription  = "subscription"
	HdrMessage       = "message"
	HdrHeartBeat     = "heart-beat"
	HdrAcceptVersion = "accept-version"
	HdrAuthorization = "authorization"
	HdrConnectionID  = "connection-id"
	HdrAck           = "ack"
)

// requiredHeaders — обязательные заголовки входящих кадров.
// Их отсутствие — ProtocolError (кадр пропускается).
var requiredHeaders = map[Command][]string{
	CmdMessage: {HdrSubscription, HdrDestination},
	CmdReceipt: {HdrReceiptID},
}

// Header — одна пара имя/значение. Заголовки хранятся срезом:
// фид требует точного порядка при сериализации.
type Header struct {
	Name  string
	Value string
}

// Frame — один разобранный кадр протокола.
type Frame struct {
	Command Command
	Headers []Header
	Body    []byte
}

// ProtocolError описывает битый кадр. Соединение при этом не рвётся:
// вызывающий код пропускает кадр и продолжает чтение.
type ProtocolError struct {
	Reason string
	Input  string // усечённый исходный кадр для логов
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stomp: %s (frame %q)", e.Reason, e.Input)
}

func protocolErr(reason string, data []byte) *ProtocolError {
	const maxSnippet = 80
	snippet := string(data)
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet] + "..."
	}
	return &ProtocolError{Reason: reason, Input: snippet}
}

// Get возвращает значение заголовка и признак его наличия.
func (f *Frame) Get(name string) (string, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Set добавляет заголовок в конец списка.
func (f *Frame) Set(name, value string) {
	f.Headers = append(f.Headers, Header{Name: name, Value: value})
}

// Heartbeat возвращает пустой heartbeat-кадр.
func Heartbeat() *Frame { return &Frame{Command: CmdHeartbeat} }

// Parse разбирает один транспортный кадр.
// Пустой кадр или одиночный перевод строки трактуется как heartbeat.
func Parse(data []byte) (*Frame, error) {
	trimmed := bytes.TrimRight(data, "\x00")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return Heartbeat(), nil
	}

	lines := strings.Split(string(trimmed), "\n")
	cmd, ok := commandByName[lines[0]]
	if !ok {
		return nil, protocolErr(fmt.Sprintf("unknown command %q", lines[0]), data)
	}

	f := &Frame{Command: cmd}
	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			bodyStart = i + 1
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, protocolErr(fmt.Sprintf("malformed header line %q", line), data)
		}
		f.Set(name, value)
	}
	if bodyStart >= 0 && bodyStart < len(lines) {
		body := strings.TrimRight(strings.Join(lines[bodyStart:], "\n"), "\n")
		if body != "" {
			f.Body = []byte(body)
		}
	}

	for _, name := range requiredHeaders[cmd] {
		if _, ok := f.Get(name); !ok {
			return nil, protocolErr(fmt.Sprintf("%s frame missing required header %q", cmd, name), data)
		}
	}
	return f, nil
}

// Encode сериализует кадр: команда, заголовки в порядке добавления,
// пустая строка, тело, NUL-байт. Heartbeat кодируется одиночным "\n".
func Encode(f *Frame) []byte {
	if f.Command == CmdHeartbeat {
		return []byte("\n")
	}
	var b bytes.Buffer
	b.WriteString(f.Command.String())
	b.WriteByte('\n')
	for _, h := range f.Headers {
		b.WriteString(h.Name)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if len(f.Body) > 0 {
		b.Write(f.Body)
		b.WriteByte('\n')
	}
	b.WriteByte(0)
	return b.Bytes()
}

// NewConnect строит CONNECT-кадр с авторизацией и предложением heartbeat.
// Порядок заголовков фиксирован — фид валидирует его как есть.
func NewConnect(token, connectionID string, heartbeat time.Duration) *Frame {
	hb := strconv.FormatInt(heartbeat.Milliseconds(), 10)
	f := &Frame{Command: CmdConnect}
	f.Set(HdrConnectionID, connectionID)
	f.Set(HdrAuthorization, token)
	f.Set(HdrAcceptVersion, "1.2,1.1,1.0")
	f.Set(HdrHeartBeat, hb+","+hb)
	return f
}

// NewSubscribe строит SUBSCRIBE-кадр c receipt-корреляцией.
func NewSubscribe(topic, subscriptionID, receiptID string) *Frame {
	f := &Frame{Command: CmdSubscribe}
	f.Set(HdrID, subscriptionID)
	f.Set(HdrReceipt, receiptID)
	f.Set(HdrDestination, topic)
	f.Set(HdrAck, "auto")
	return f
}

// NewUnsubscribe строит UNSUBSCRIBE-кадр c receipt-корреляцией.
func NewUnsubscribe(subscriptionID, receiptID string) *Frame {
	f := &Frame{Command: CmdUnsubscribe}
	f.Set(HdrID, subscriptionID)
	f.Set(HdrReceipt, receiptID)
	return f
}

// NewDisconnect строит DISCONNECT-кадр.
func NewDisconnect() *Frame { return &Frame{Command: CmdDisconnect} }

// ParseHeartBeat разбирает значение заголовка heart-beat ("sx,sy" в мс).
// Возвращает send- и receive-интервалы; 0 допустим (нет heartbeat).
func ParseHeartBeat(v string) (send, recv time.Duration, err error) {
	sx, sy, found := strings.Cut(v, ",")
	if !found {
		return 0, 0, fmt.Errorf("stomp: malformed heart-beat %q", v)
	}
	sendMs, err := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("stomp: malformed heart-beat %q: %w", v, err)
	}
	recvMs, err := strconv.ParseInt(strings.TrimSpace(sy), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("stomp: malformed heart-beat %q: %w", v, err)
	}
	return time.Duration(sendMs) * time.Millisecond, time.Duration(recvMs) * time.Millisecond, nil
}
