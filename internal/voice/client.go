package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"

	"github.com/nupi-ai/audionode/internal/constants"
)

// Voice gateway opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opHello              = 8
)

const (
	opusPayloadType    = 0x78
	samplesPerFrame    = 960
	discoveryPacketLen = 74
)

var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Client dials the provider's voice gateway.
type Client struct {
	// WS dials the signalling socket; websocket.DefaultDialer when nil.
	WS        *websocket.Dialer
	UserAgent string
	Logger    *log.Logger
	// URL maps an endpoint to the gateway URL; wss://<endpoint>/?v=4 when nil.
	URL func(endpoint string) string
}

// NewClient returns a client with default settings.
func NewClient(userAgent string, logger *log.Logger) *Client {
	return &Client{UserAgent: userAgent, Logger: logger}
}

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolAddr `json:"data"`
}

type selectProtocolAddr struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// Dial performs the signalling handshake, UDP discovery and protocol
// selection. The returned connection is ready for WriteOpus.
func (c *Client) Dial(ctx context.Context, server Server) (Conn, error) {
	if !server.Complete() {
		return nil, ErrIncomplete
	}
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, constants.VoiceHandshakeTimeout)
	defer cancel()

	dialer := c.WS
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if c.UserAgent != "" {
		header.Set("User-Agent", c.UserAgent)
	}
	ws, _, err := dialer.DialContext(ctx, c.url(server.Endpoint), header)
	if err != nil {
		return nil, fmt.Errorf("voice: dial gateway: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}

	conn := &conn{
		ws:       ws,
		server:   server,
		logger:   logger,
		events:   make(chan Event, 1),
		done:     make(chan struct{}),
		lastPing: -1,
	}
	if err := conn.handshake(); err != nil {
		conn.teardown()
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})

	go conn.readLoop()
	go conn.heartbeatLoop()
	logger.Printf("[Voice] connected guild=%s ssrc=%d mode=%s", server.GuildID, conn.ssrc, conn.mode)
	return conn, nil
}

func (c *Client) url(endpoint string) string {
	if c.URL != nil {
		return c.URL(endpoint)
	}
	endpoint = strings.TrimPrefix(endpoint, "wss://")
	endpoint = strings.TrimSuffix(endpoint, ":80")
	return "wss://" + endpoint + "/?v=4"
}

type conn struct {
	ws     *websocket.Conn
	udp    *net.UDPConn
	server Server
	logger *log.Logger

	writeMu sync.Mutex // guards ws writes

	mediaMu  sync.Mutex // guards sealer, sequence, timestamp, buf
	sealer   sealer
	sequence uint16
	stamp    uint32
	buf      []byte

	ssrc      uint32
	mode      string
	interval  time.Duration
	speaking  atomic.Bool
	lastPing  int64
	sentNonce atomic.Int64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

func (c *conn) handshake() error {
	var hello helloData
	if err := c.expect(opHello, &hello); err != nil {
		return err
	}
	c.interval = time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
	if c.interval <= 0 {
		return fmt.Errorf("voice: invalid heartbeat interval %v", hello.HeartbeatInterval)
	}

	if err := c.send(opIdentify, identifyData{
		ServerID:  c.server.GuildID.String(),
		UserID:    c.server.UserID.String(),
		SessionID: c.server.SessionID,
		Token:     c.server.Token,
	}); err != nil {
		return err
	}

	var ready readyData
	if err := c.expect(opReady, &ready); err != nil {
		return err
	}
	mode, err := pickMode(ready.Modes)
	if err != nil {
		return err
	}
	c.ssrc = ready.SSRC
	c.mode = mode

	addr := &net.UDPAddr{IP: net.ParseIP(ready.IP), Port: ready.Port}
	if addr.IP == nil {
		return fmt.Errorf("voice: invalid media address %q", ready.IP)
	}
	udp, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("voice: dial media: %w", err)
	}
	c.udp = udp

	externalIP, externalPort, err := c.discover()
	if err != nil {
		return err
	}

	if err := c.send(opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data:     selectProtocolAddr{Address: externalIP, Port: externalPort, Mode: mode},
	}); err != nil {
		return err
	}

	var desc sessionDescriptionData
	if err := c.expect(opSessionDescription, &desc); err != nil {
		return err
	}
	if len(desc.SecretKey) != 32 {
		return fmt.Errorf("voice: secret key has %d bytes", len(desc.SecretKey))
	}
	var key [32]byte
	for i, b := range desc.SecretKey {
		key[i] = byte(b)
	}
	if desc.Mode != "" && desc.Mode != mode {
		return fmt.Errorf("voice: server chose mode %q, expected %q", desc.Mode, mode)
	}
	s, err := newSealer(mode, key)
	if err != nil {
		return err
	}
	c.sealer = s
	return nil
}

// discover performs UDP IP discovery and returns the external address.
func (c *conn) discover() (string, int, error) {
	req := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint16(req[0:2], 0x1)
	binary.BigEndian.PutUint16(req[2:4], 70)
	binary.BigEndian.PutUint32(req[4:8], c.ssrc)
	if _, err := c.udp.Write(req); err != nil {
		return "", 0, fmt.Errorf("voice: send discovery: %w", err)
	}

	c.udp.SetReadDeadline(time.Now().Add(constants.Duration5Seconds))
	defer c.udp.SetReadDeadline(time.Time{})
	resp := make([]byte, discoveryPacketLen)
	n, err := c.udp.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("voice: read discovery: %w", err)
	}
	if n < discoveryPacketLen || binary.BigEndian.Uint16(resp[0:2]) != 0x2 {
		return "", 0, errors.New("voice: malformed discovery response")
	}
	ip := strings.TrimRight(string(resp[8:72]), "\x00")
	port := int(binary.BigEndian.Uint16(resp[72:74]))
	return ip, port, nil
}

func (c *conn) expect(op int, into any) error {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return c.readError(err)
		}
		if f.Op == opHeartbeatAck {
			continue
		}
		if f.Op != op {
			return fmt.Errorf("voice: expected op %d, got %d", op, f.Op)
		}
		if err := json.Unmarshal(f.D, into); err != nil {
			return fmt.Errorf("voice: decode op %d: %w", op, err)
		}
		return nil
	}
}

func (c *conn) readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return fmt.Errorf("voice: read gateway: %w", err)
}

func (c *conn) send(op int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("voice: encode op %d: %w", op, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(constants.GatewayWriteTimeout))
	if err := c.ws.WriteJSON(frame{Op: op, D: raw}); err != nil {
		return fmt.Errorf("voice: write op %d: %w", op, err)
	}
	return nil
}

func (c *conn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		if f.Op == opHeartbeatAck {
			var nonce int64
			if err := json.Unmarshal(f.D, &nonce); err == nil && nonce == c.sentNonce.Load() {
				atomic.StoreInt64(&c.lastPing, time.Now().UnixMilli()-nonce)
			}
		}
	}
}

func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			nonce := time.Now().UnixMilli()
			c.sentNonce.Store(nonce)
			if err := c.send(opHeartbeat, nonce); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail reports the drop once and releases resources.
func (c *conn) fail(err error) {
	if c.closing.Load() {
		c.teardown()
		return
	}
	ev := Event{Kind: EventDisconnected, Code: 1006, Reason: err.Error(), ByRemote: true}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = ce.Code
		ev.Reason = ce.Text
		if Permanent(ce.Code) {
			ev.Kind = EventDestroyed
		}
	}
	c.closeOnce.Do(func() {
		c.logger.Printf("[Voice] connection lost guild=%s code=%d kind=%s reason=%s", c.server.GuildID, ev.Code, ev.Kind, ev.Reason)
		c.events <- ev
		close(c.events)
		c.release()
	})
}

func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.events)
		c.release()
	})
}

func (c *conn) release() {
	close(c.done)
	c.ws.Close()
	if c.udp != nil {
		c.udp.Close()
	}
}

func (c *conn) WriteOpus(opus []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	c.sequence++
	c.stamp += samplesPerFrame
	h := rtp.Header{
		Version:        2,
		PayloadType:    opusPayloadType,
		SequenceNumber: c.sequence,
		Timestamp:      c.stamp,
		SSRC:           c.ssrc,
	}
	header, err := h.Marshal()
	if err != nil {
		return fmt.Errorf("voice: marshal rtp header: %w", err)
	}
	c.buf = c.sealer.seal(c.buf[:0], header, opus)
	if _, err := c.udp.Write(c.buf); err != nil {
		return fmt.Errorf("voice: write media: %w", err)
	}
	return nil
}

func (c *conn) SetSpeaking(speaking bool) error {
	if c.speaking.Swap(speaking) == speaking {
		return nil
	}
	flag := 0
	if speaking {
		flag = 1
	}
	if err := c.send(opSpeaking, speakingData{Speaking: flag, SSRC: c.ssrc}); err != nil {
		return err
	}
	if !speaking {
		for i := 0; i < constants.VoiceSilenceFrames; i++ {
			if err := c.WriteOpus(silenceFrame); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *conn) Ping() time.Duration {
	ms := atomic.LoadInt64(&c.lastPing)
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *conn) Events() <-chan Event {
	return c.events
}

func (c *conn) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(constants.Duration1Second))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	c.teardown()
	return nil
}

