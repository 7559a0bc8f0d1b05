package peerwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsTransport carries frames over one gorilla websocket.
type wsTransport struct {
	ws   *websocket.Conn
	seal *sealer // nil when no pre-shared key

	pingInterval time.Duration
	maxFrame     int64

	// gorilla allows one concurrent writer of data messages.
	wmut sync.Mutex

	halt      *idem.Halter
	closeOnce sync.Once
}

func newWsTransport(ws *websocket.Conn, cfg *Config, seal *sealer) *wsTransport {
	maxFrame := cfg.MaxMessageSize
	if maxFrame > 0 {
		// compression tag, nonce and tag overhead.
		maxFrame += 128
	}
	return &wsTransport{
		ws:           ws,
		seal:         seal,
		pingInterval: cfg.PingInterval,
		maxFrame:     maxFrame,
		halt:         idem.NewHalterNamed("wsTransport"),
	}
}

func (w *wsTransport) send(frame []byte) (err error) {
	if w.seal != nil {
		frame, err = w.seal.seal(frame)
		if err != nil {
			return
		}
	}
	w.wmut.Lock()
	defer w.wmut.Unlock()
	w.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsTransport) close(code DisconnectionCode, reason string) {
	w.closeOnce.Do(func() {
		// WriteControl may run concurrently with other writers.
		msg := websocket.FormatCloseMessage(int(code), reason)
		w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		w.halt.ReqStop.Close()
		w.ws.Close()
	})
}

func (w *wsTransport) start(c *Connection) {
	if w.maxFrame > 0 {
		w.ws.SetReadLimit(w.maxFrame)
	}
	if w.pingInterval > 0 {
		w.extendDeadline()
		w.ws.SetPongHandler(func(string) error {
			w.extendDeadline()
			return nil
		})
		go w.pingLoop()
	}
	go w.readLoop(c)
}

func (w *wsTransport) extendDeadline() {
	w.ws.SetReadDeadline(time.Now().Add(2 * w.pingInterval))
}

func (w *wsTransport) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			if err != nil {
				return
			}
		case <-w.halt.ReqStop.Chan:
			return
		}
	}
}

func (w *wsTransport) readLoop(c *Connection) {
	defer w.halt.Done.Close()
	for {
		typ, frame, err := w.ws.ReadMessage()
		if err != nil {
			code, reason := classifyWsError(err)
			vv("%v read loop done: code %v, reason '%v'", c.id, code, reason)
			c.transportClosed(w, code, reason)
			w.close(code, reason)
			return
		}
		if typ != websocket.BinaryMessage {
			c.transportClosed(w, DisconnectProtocolError, "text frames not accepted")
			w.close(DisconnectProtocolError, "text frames not accepted")
			return
		}
		if w.pingInterval > 0 {
			w.extendDeadline()
		}
		if w.seal != nil {
			frame, err = w.seal.open(frame)
			if err != nil {
				c.transportClosed(w, DisconnectProtocolError, err.Error())
				w.close(DisconnectProtocolError, "bad seal")
				return
			}
		}
		c.owner.onFrame(c, frame)
	}
}

// classifyWsError maps a read failure onto a DisconnectionCode.
func classifyWsError(err error) (DisconnectionCode, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway,
			int(DisconnectDuplicate), int(DisconnectDeadConnection),
			int(DisconnectHandshakeFailed), int(DisconnectProtocolError):
			return DisconnectionCode(ce.Code), ce.Text
		case websocket.CloseMessageTooBig:
			return DisconnectProtocolError, "message too big"
		}
		return DisconnectDeadConnection, fmt.Sprintf("closed with code %v: %v", ce.Code, ce.Text)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return DisconnectDeadConnection, "no traffic within two ping intervals"
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return DisconnectProtocolError, "frame exceeds MaxMessageSize"
	}
	return DisconnectDeadConnection, err.Error()
}

// wsServer accepts inbound WebSocket connections on WebSocketPath.
type wsServer struct {
	mgr *ConnectionManager
	up  websocket.Upgrader
	srv *http.Server
	ln  net.Listener

	halt *idem.Halter
}

func newWsServer(mgr *ConnectionManager) *wsServer {
	s := &wsServer{
		mgr:  mgr,
		halt: idem.NewHalterNamed("wsServer"),
		up: websocket.Upgrader{
			HandshakeTimeout: mgr.cfg.ConnectTimeout,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
			// peers are not browsers running someone else's page.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleUpgrade)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: mgr.cfg.ConnectTimeout,
	}
	return s
}

// listen binds synchronously so Start can report a busy port,
// then serves in the background.
func (s *wsServer) listen(hostport string) error {
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return fmt.Errorf("could not listen on '%v': %w", hostport, err)
	}
	s.ln = ln
	vv("websocket server listening on %v", ln.Addr())
	go func() {
		defer s.halt.Done.Close()
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			alwaysPrintf("websocket server on %v exited: '%v'", hostport, err)
		}
	}()
	return nil
}

func (s *wsServer) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	ws, err := s.up.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade already replied with an http error.
		vv("upgrade from %v failed: '%v'", r.RemoteAddr, err)
		return
	}
	s.mgr.acceptWebSocket(ws)
}

func (s *wsServer) close() {
	s.halt.ReqStop.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Shutdown ignores hijacked connections; the manager closes those.
	s.srv.Shutdown(ctx)
}

// dialWebSocket opens the client side of a WebSocket connection.
func dialWebSocket(ctx context.Context, addr *WebSocketAddress, timeout time.Duration) (*websocket.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	ws, resp, err := d.DialContext(ctx, addr.URL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("could not dial '%v': %w", addr.URL(), err)
	}
	return ws, nil
}
