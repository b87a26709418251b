package collab

import (
	"context"
	"fmt"
	mathrand "math/rand"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/collabtex/collabtex/crdt"
)

type RoomManagerSettings struct {
	// how long an empty room stays loaded to absorb rapid reconnects
	DrainGrace time.Duration
	// per connection outbound buffer; messages beyond it are dropped
	ConnBufferSize int

	Bridge *BridgeSettings
}

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		DrainGrace:     30 * time.Second,
		ConnBufferSize: 64,
		Bridge:         DefaultBridgeSettings(),
	}
}

// RoomManager owns the registry of open rooms: exactly one in-memory room
// per document key at any time. Rooms are created on first attach and
// evicted when the drain grace window expires with zero connections.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	records RecordStore
	source  SourceStore

	settings *RoomManagerSettings

	mutex gosync.Mutex
	rooms map[string]*Room
}

func NewRoomManagerWithDefaults(ctx context.Context, records RecordStore, source SourceStore) *RoomManager {
	return NewRoomManager(ctx, records, source, DefaultRoomManagerSettings())
}

func NewRoomManager(
	ctx context.Context,
	records RecordStore,
	source SourceStore,
	settings *RoomManagerSettings,
) *RoomManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RoomManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		records:  records,
		source:   source,
		settings: settings,
		rooms:    map[string]*Room{},
	}
}

// Attach joins the room for the document key, creating and loading it on
// first attach. Connections arriving while the room is still loading are
// queued and receive initial state once it is ready. A canceled ctx removes
// the connection from the queue.
func (self *RoomManager) Attach(ctx context.Context, key DocKey, grant *Grant) (*Conn, error) {
	for {
		self.mutex.Lock()
		room, ok := self.rooms[key.String()]
		if !ok {
			room = newRoom(self, key)
			self.rooms[key.String()] = room
			go room.open()
		}
		self.mutex.Unlock()

		conn, ok := room.attach(grant)
		if !ok {
			// lost a race with room close, start a fresh open cycle
			continue
		}

		select {
		case <-room.ready:
			room.sendInitial(conn)
			return conn, nil
		case <-ctx.Done():
			conn.Detach()
			return nil, ctx.Err()
		case <-self.ctx.Done():
			conn.Detach()
			return nil, self.ctx.Err()
		}
	}
}

// RoomCount reports the number of loaded rooms.
func (self *RoomManager) RoomCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.rooms)
}

func (self *RoomManager) evict(room *Room) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	room.mutex.Lock()
	defer room.mutex.Unlock()
	if room.state != roomDraining || 0 < len(room.conns) {
		return
	}
	room.state = roomClosed
	delete(self.rooms, room.key.String())
	room.bridge.Close()
	glog.V(1).Infof("[rm]%s closed\n", room.key)
}

// Close drains every room with a final save and shuts the manager down.
func (self *RoomManager) Close() {
	self.mutex.Lock()
	rooms := maps.Values(self.rooms)
	self.rooms = map[string]*Room{}
	self.mutex.Unlock()

	for _, room := range rooms {
		room.shutdown()
	}
	self.cancel()
}

type roomState int

const (
	roomOpening roomState = iota + 1
	roomOpen
	roomDraining
	roomClosed
)

// Room pairs one document key with one convergent text store and the set of
// attached connections. All store mutations serialize through the room
// mutex; different rooms run fully in parallel.
type Room struct {
	manager *RoomManager
	key     DocKey

	// closed once initial state is loaded or bootstrapped
	ready chan struct{}

	bridge *Bridge

	mutex        gosync.Mutex
	state        roomState
	text         *crdt.Text
	conns        map[Id]*Conn
	aware        *awareness
	drainTimer   *time.Timer
	lastActivity time.Time
}

func newRoom(manager *RoomManager, key DocKey) *Room {
	room := &Room{
		manager: manager,
		key:     key,
		ready:   make(chan struct{}),
		state:   roomOpening,
		text:    crdt.NewText(newReplicaId()),
		conns:   map[Id]*Conn{},
		aware:   newAwareness(),
	}
	room.bridge = NewBridge(
		manager.ctx,
		key,
		manager.records,
		manager.source,
		room.snapshot,
		manager.settings.Bridge,
	)
	return room
}

func newReplicaId() uint32 {
	for {
		if replica := mathrand.Uint32(); replica != 0 {
			return replica
		}
	}
}

// open loads or bootstraps initial state, then releases queued connections.
func (self *Room) open() {
	self.bridge.Load(self.manager.ctx, self.text)

	self.mutex.Lock()
	opened := self.state == roomOpening
	if opened {
		self.state = roomOpen
	}
	self.lastActivity = time.Now()
	empty := len(self.conns) == 0
	self.mutex.Unlock()

	close(self.ready)
	glog.V(1).Infof("[r]%s open\n", self.key)

	if opened && empty {
		// every queued connection canceled while loading
		self.maybeDrain()
	}
}

// snapshot encodes a consistent view of the store for the bridge. A
// completed edit never appears half applied here.
func (self *Room) snapshot() ([]byte, []byte, string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.text.EncodeFull(), self.text.EncodeStateVector(), self.text.String()
}

func (self *Room) attach(grant *Grant) (*Conn, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == roomClosed {
		return nil, false
	}
	if self.state == roomDraining {
		if self.drainTimer != nil {
			self.drainTimer.Stop()
			self.drainTimer = nil
		}
		self.state = roomOpen
		glog.V(1).Infof("[r]%s reopened within grace\n", self.key)
	}
	conn := &Conn{
		id:      NewId(),
		grant:   grant,
		room:    self,
		receive: make(chan []byte, self.manager.settings.ConnBufferSize),
		done:    make(chan struct{}),
	}
	self.conns[conn.id] = conn
	glog.V(1).Infof("[r]%s attach %s user=%s n=%d\n", self.key, conn.id, grant.UserId, len(self.conns))
	return conn, true
}

// sendInitial starts the sync exchange with a newly attached connection:
// the room announces its state vector so the peer can send back what the
// room is missing, and the peer's own step 1 is answered with a minimal
// delta. Current peer presence is replayed so cursors appear immediately.
func (self *Room) sendInitial(conn *Conn) {
	self.mutex.Lock()
	stateVector := self.text.EncodeStateVector()
	presence := self.aware.snapshot(conn.id)
	self.mutex.Unlock()

	conn.deliver(EncodeMessage(MessageTypeSyncStep1, stateVector))
	for _, payload := range presence {
		conn.deliver(EncodeMessage(MessageTypeAwareness, payload))
	}
}

// submit merges one client edit and relays the encoded delta to every other
// attached connection. The originating connection never receives its own
// edit echoed back. A corrupt update is dropped and logged; the room keeps
// operating for all other updates.
func (self *Room) submit(origin *Conn, update []byte) error {
	self.mutex.Lock()
	if self.state == roomClosed {
		self.mutex.Unlock()
		return ErrRoomClosed
	}
	before := self.text.StateVector()
	if err := self.text.Merge(update); err != nil {
		self.mutex.Unlock()
		glog.Infof("[r]%s merge error from %s = %s\n", self.key, origin.id, err)
		return err
	}
	if maps.Equal(before, self.text.StateVector()) {
		// empty or fully duplicate update, nothing to relay or save
		self.mutex.Unlock()
		return nil
	}
	self.lastActivity = time.Now()
	peers := self.peersLocked(origin.id)
	self.mutex.Unlock()

	self.bridge.Touch()

	message := EncodeMessage(MessageTypeUpdate, update)
	for _, peer := range peers {
		peer.deliver(message)
	}
	glog.V(2).Infof("[r]%s update %db from %s\n", self.key, len(update), origin.id)
	return nil
}

// syncStep2 answers a peer's state vector with the minimal delta it is
// missing. A peer with no prior state receives the full history.
func (self *Room) syncStep2(conn *Conn, stateVectorBytes []byte) error {
	stateVector, err := crdt.DecodeStateVector(stateVectorBytes)
	if err != nil {
		glog.Infof("[r]%s bad state vector from %s = %s\n", self.key, conn.id, err)
		return err
	}
	self.mutex.Lock()
	diff := self.text.DiffUpdate(stateVector)
	self.mutex.Unlock()
	conn.deliver(EncodeMessage(MessageTypeSyncStep2, diff))
	return nil
}

func (self *Room) publishAwareness(origin *Conn, payload []byte) error {
	self.mutex.Lock()
	relay, err := self.aware.publish(origin.id, origin.grant, payload)
	if err != nil {
		self.mutex.Unlock()
		glog.V(1).Infof("[r]%s bad awareness from %s = %s\n", self.key, origin.id, err)
		return err
	}
	peers := self.peersLocked(origin.id)
	self.mutex.Unlock()

	message := EncodeMessage(MessageTypeAwareness, relay)
	for _, peer := range peers {
		peer.deliver(message)
	}
	return nil
}

// resync re-initiates the state vector exchange with a connection that had
// outbound messages dropped under backpressure. The step 1 waits for buffer
// space, the peer answers with its own state vector, and the step 2 reply
// carries exactly the ops the peer is missing.
func (self *Room) resync(conn *Conn) {
	self.mutex.Lock()
	stateVector := self.text.EncodeStateVector()
	self.mutex.Unlock()

	select {
	case conn.receive <- EncodeMessage(MessageTypeSyncStep1, stateVector):
		conn.resync.Store(false)
		glog.V(1).Infof("[r]%s resync %s\n", self.key, conn.id)
	case <-conn.done:
	}
}

// caller must hold the mutex
func (self *Room) peersLocked(exclude Id) []*Conn {
	peers := make([]*Conn, 0, len(self.conns))
	for connId, peer := range self.conns {
		if connId != exclude {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (self *Room) detach(conn *Conn) {
	self.mutex.Lock()
	if _, ok := self.conns[conn.id]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.conns, conn.id)
	tombstone := self.aware.tombstone(conn.id, conn.grant)
	peers := self.peersLocked(conn.id)
	empty := len(self.conns) == 0 && self.state == roomOpen
	if empty {
		self.state = roomDraining
	}
	self.mutex.Unlock()

	message := EncodeMessage(MessageTypeAwareness, tombstone)
	for _, peer := range peers {
		peer.deliver(message)
	}
	glog.V(1).Infof("[r]%s detach %s n=%d\n", self.key, conn.id, len(peers))

	if empty {
		self.drain()
	}
}

// maybeDrain moves an open empty room into draining.
func (self *Room) maybeDrain() {
	self.mutex.Lock()
	if self.state != roomOpen || 0 < len(self.conns) {
		self.mutex.Unlock()
		return
	}
	self.state = roomDraining
	self.mutex.Unlock()
	self.drain()
}

// drain runs the final save synchronously to minimize the data loss window,
// then arms the grace timer. A connection arriving during the grace window
// reopens the room without reloading from storage.
func (self *Room) drain() {
	self.bridge.FinalSave(self.manager.ctx)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != roomDraining || 0 < len(self.conns) {
		// reopened while the final save ran
		return
	}
	self.drainTimer = time.AfterFunc(self.manager.settings.DrainGrace, func() {
		self.manager.evict(self)
	})
	glog.V(1).Infof("[r]%s draining\n", self.key)
}

// shutdown force closes the room with a final save, detaching every
// connection. Used on manager close.
func (self *Room) shutdown() {
	self.mutex.Lock()
	if self.state == roomClosed {
		self.mutex.Unlock()
		return
	}
	opened := self.state != roomOpening
	self.state = roomClosed
	if self.drainTimer != nil {
		self.drainTimer.Stop()
		self.drainTimer = nil
	}
	conns := maps.Values(self.conns)
	self.conns = map[Id]*Conn{}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.closeDone()
	}
	if opened {
		self.bridge.FinalSave(self.manager.ctx)
	}
	self.bridge.Close()
	glog.V(1).Infof("[r]%s shutdown\n", self.key)
}

// Conn is one client's attachment to a room. The gateway pumps wire
// messages in through HandleMessage and out through Receive.
type Conn struct {
	id    Id
	grant *Grant
	room  *Room

	receive chan []byte
	done    chan struct{}

	doneOnce gosync.Once

	// set while a dropped message leaves this connection behind the room
	resync atomic.Bool
}

func (self *Conn) Id() Id {
	return self.id
}

func (self *Conn) Grant() *Grant {
	return self.grant
}

// Receive is the stream of outbound wire messages for this connection.
func (self *Conn) Receive() <-chan []byte {
	return self.receive
}

// Done is closed when the connection is detached.
func (self *Conn) Done() <-chan struct{} {
	return self.done
}

// HandleMessage dispatches one inbound wire message. Edits from read only
// sessions are dropped and logged.
func (self *Conn) HandleMessage(message []byte) error {
	messageType, payload, err := DecodeMessage(message)
	if err != nil {
		glog.V(1).Infof("[r]%s bad message from %s = %s\n", self.room.key, self.id, err)
		return err
	}
	switch messageType {
	case MessageTypeSyncStep1:
		return self.room.syncStep2(self, payload)
	case MessageTypeSyncStep2, MessageTypeUpdate:
		if self.grant.ReadOnly {
			glog.V(1).Infof("[r]%s drop edit from read only %s\n", self.room.key, self.id)
			return fmt.Errorf("%w: %s", ErrReadOnly, self.grant.UserId)
		}
		return self.room.submit(self, payload)
	case MessageTypeAwareness:
		return self.room.publishAwareness(self, payload)
	}
	return nil
}

// Detach removes the connection from its room. Safe to call more than once.
func (self *Conn) Detach() {
	self.room.detach(self)
	self.closeDone()
}

func (self *Conn) closeDone() {
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

// deliver never blocks the room. A connection that cannot keep up has
// messages dropped and is scheduled for a fresh state vector exchange that
// closes the gap once its buffer drains.
func (self *Conn) deliver(message []byte) {
	select {
	case self.receive <- message:
	case <-self.done:
	default:
		if self.resync.CompareAndSwap(false, true) {
			go self.room.resync(self)
		}
		glog.Infof("[r]%s backpressure drop %s\n", self.room.key, self.id)
	}
}
