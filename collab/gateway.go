package collab

import (
	"context"
	"errors"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Close codes sent on rejected admissions. The client sees a specific
// reason; no room state is exposed before admission succeeds.
const (
	CloseMalformedDocKey = 4400
	CloseUnauthenticated = 4401
	CloseAccessDenied    = 4403
)

type GatewaySettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	AttachTimeout      time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReadLimit          int64
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		AttachTimeout:      10 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		ReadLimit:          1 << 20,
	}
}

// Gateway accepts incoming websocket connections, extracts the document key
// and credential, drives the gate, then hands the connection to the room
// manager and pumps messages both ways.
type Gateway struct {
	ctx context.Context

	gate    *Gate
	manager *RoomManager

	settings *GatewaySettings
	upgrader websocket.Upgrader

	mutex        gosync.Mutex
	healthChecks map[string]func(ctx context.Context) error
}

func NewGatewayWithDefaults(ctx context.Context, gate *Gate, manager *RoomManager) *Gateway {
	return NewGateway(ctx, gate, manager, DefaultGatewaySettings())
}

func NewGateway(ctx context.Context, gate *Gate, manager *RoomManager, settings *GatewaySettings) *Gateway {
	return &Gateway{
		ctx:      ctx,
		gate:     gate,
		manager:  manager,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		healthChecks: map[string]func(ctx context.Context) error{},
	}
}

func (self *Gateway) AddHealthCheck(name string, check func(ctx context.Context) error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.healthChecks[name] = check
}

func (self *Gateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", self.handleHealth)
	// document keys contain colons and slashes
	router.HandleFunc("/sync/{doc:.*}", self.handleSync)
	return router
}

func (self *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	checks := map[string]func(ctx context.Context) error{}
	for name, check := range self.healthChecks {
		checks[name] = check
	}
	self.mutex.Unlock()

	checkCtx, cancel := context.WithTimeout(r.Context(), self.settings.AuthTimeout)
	defer cancel()
	for name, check := range checks {
		if err := check(checkCtx); err != nil {
			glog.Infof("[gw]health %s = %s\n", name, err)
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (self *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	docName := mux.Vars(r)["doc"]
	token := bearerToken(r)

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[gw]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	key, err := ParseDocKey(docName)
	if err != nil {
		self.reject(ws, CloseMalformedDocKey, "malformed document key")
		return
	}

	authCtx, authCancel := context.WithTimeout(self.ctx, self.settings.AuthTimeout)
	grant, err := self.gate.Admit(authCtx, token, key)
	authCancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthenticated):
			self.reject(ws, CloseUnauthenticated, "unauthorized")
		case errors.Is(err, ErrAccessDenied):
			self.reject(ws, CloseAccessDenied, "access denied")
		default:
			self.reject(ws, websocket.CloseInternalServerErr, "admission failed")
		}
		return
	}

	attachCtx, attachCancel := context.WithTimeout(self.ctx, self.settings.AttachTimeout)
	conn, err := self.manager.Attach(attachCtx, key, grant)
	attachCancel()
	if err != nil {
		glog.Infof("[gw]attach error %s = %s\n", key, err)
		self.reject(ws, websocket.CloseTryAgainLater, "room unavailable")
		return
	}

	glog.V(1).Infof("[gw]%s connected %s user=%s role=%s\n", key, conn.Id(), grant.UserId, grant.Role)

	defer func() {
		conn.Detach()
		self.gate.RecordDisconnect(self.ctx, key, grant)
		glog.V(1).Infof("[gw]%s disconnected %s\n", key, conn.Id())
	}()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-conn.Done():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"),
				)
				return
			case message := <-conn.Receive():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.V(1).Infof("[gw]%s-> error = %s\n", conn.Id(), err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadLimit(self.settings.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[gw]%s<- error = %s\n", conn.Id(), err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			// handler errors are logged at the room; the connection
			// continues for well formed traffic
			conn.HandleMessage(message)
		}
	}
}

func (self *Gateway) reject(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	glog.V(1).Infof("[gw]reject %d %s\n", code, reason)
}
