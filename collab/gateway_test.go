package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/collabtex/collabtex/crdt"
)

type gatewayFixture struct {
	server  *httptest.Server
	manager *RoomManager
	records *memRecordStore
	source  *memSourceStore
}

func newGatewayFixture(t *testing.T, ctx context.Context, directory *memDirectory) *gatewayFixture {
	records := newMemRecordStore()
	source := newMemSourceStore()
	source.setSource("p1", "main.tex", "Hello")

	gate := NewGateWithDefaults(testSecret, directory, newMemAudit())
	manager := NewRoomManager(ctx, records, source, fastManagerSettings())
	gateway := NewGatewayWithDefaults(ctx, gate, manager)

	server := httptest.NewServer(gateway.Router())
	t.Cleanup(func() {
		manager.Close()
		server.Close()
	})
	return &gatewayFixture{
		server:  server,
		manager: manager,
		records: records,
		source:  source,
	}
}

func (self *gatewayFixture) dial(t *testing.T, doc string, token string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(self.server.URL, "http") + "/sync/" + doc
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	return ws, err
}

// closeCode reads until the server closes the connection and returns the
// close code.
func closeCode(t *testing.T, ws *websocket.Conn) int {
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			closeErr := &websocket.CloseError{}
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			t.Fatalf("expected close error, got %v", err)
		}
	}
}

func TestGatewayRejections(t *testing.T) {
	ctx := context.Background()
	directory := newMemDirectory()
	directory.setRole("p1", "u1", RoleEditor)
	fixture := newGatewayFixture(t, ctx, directory)

	token := signToken(t, testSecret, "u1", "User One", time.Minute)

	// missing credential
	ws, err := fixture.dial(t, "ns:p1:main.tex", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, CloseUnauthenticated, closeCode(t, ws))
	ws.Close()

	// malformed document key
	ws, err = fixture.dial(t, "justafile.tex", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, CloseMalformedDocKey, closeCode(t, ws))
	ws.Close()

	// valid credential, no membership on the target project
	ws, err = fixture.dial(t, "ns:p2:main.tex", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, CloseAccessDenied, closeCode(t, ws))
	ws.Close()

	// nothing was leaked into the room registry
	assert.Equal(t, 0, fixture.manager.RoomCount())
}

// wsClient couples a websocket to a client replica.
type wsClient struct {
	t    *testing.T
	ws   *websocket.Conn
	text *crdt.Text
}

func (self *wsClient) recvUntil(messageType MessageType) []byte {
	self.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, message, err := self.ws.ReadMessage()
		assert.Equal(self.t, err, nil)
		mt, payload, err := DecodeMessage(message)
		assert.Equal(self.t, err, nil)
		if mt == messageType {
			return payload
		}
	}
}

func (self *wsClient) send(messageType MessageType, payload []byte) {
	self.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	err := self.ws.WriteMessage(websocket.BinaryMessage, EncodeMessage(messageType, payload))
	assert.Equal(self.t, err, nil)
}

func (self *wsClient) handshake() {
	self.recvUntil(MessageTypeSyncStep1)
	self.send(MessageTypeSyncStep1, self.text.EncodeStateVector())
	diff := self.recvUntil(MessageTypeSyncStep2)
	assert.Equal(self.t, self.text.Merge(diff), nil)
}

func TestGatewayEndToEndSync(t *testing.T) {
	ctx := context.Background()
	directory := newMemDirectory()
	directory.setRole("p1", "owner", RoleOwner)
	directory.setRole("p1", "editor", RoleEditor)
	fixture := newGatewayFixture(t, ctx, directory)

	dialClient := func(userId string, replica uint32) *wsClient {
		token := signToken(t, testSecret, userId, userId, time.Minute)
		ws, err := fixture.dial(t, "ns:p1:main.tex", token)
		assert.Equal(t, err, nil)
		client := &wsClient{t: t, ws: ws, text: crdt.NewText(replica)}
		client.handshake()
		return client
	}

	c1 := dialClient("owner", 201)
	assert.Equal(t, "Hello", c1.text.String())
	c2 := dialClient("editor", 202)
	assert.Equal(t, "Hello", c2.text.String())

	update := c1.text.Insert(5, " world")
	c1.send(MessageTypeUpdate, update)

	relayed := c2.recvUntil(MessageTypeUpdate)
	assert.Equal(t, c2.text.Merge(relayed), nil)
	assert.Equal(t, "Hello world", c2.text.String())

	c1.ws.Close()
	c2.ws.Close()
}
