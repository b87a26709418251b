package collab

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/golang/glog"

	"github.com/collabtex/collabtex/crdt"
)

type BridgeSettings struct {
	// a save runs this long after the last edit
	DebounceTimeout time.Duration
	// an edit burst longer than this forces a save regardless of activity
	MaxDebounceTimeout time.Duration
	// bound on every external store call
	StoreTimeout time.Duration
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		DebounceTimeout:    2 * time.Second,
		MaxDebounceTimeout: 10 * time.Second,
		StoreTimeout:       5 * time.Second,
	}
}

// snapshotFunc returns a consistent encoding of the room's store. The room
// provides it and takes its own lock inside, so a snapshot never observes a
// half applied edit.
type snapshotFunc func() (state []byte, stateVector []byte, text string)

// Bridge reconciles one room's replicated state with the durable stores.
// Saves are debounced with a hard cap, run off the edit path, and failures
// are logged and retried on the next cycle. Durability never blocks live
// sync between connected peers.
type Bridge struct {
	ctx context.Context

	key      DocKey
	records  RecordStore
	source   SourceStore
	snapshot snapshotFunc

	settings *BridgeSettings

	mutex    gosync.Mutex
	debounce *time.Timer
	maxWait  *time.Timer
	closed   bool
}

func NewBridge(
	ctx context.Context,
	key DocKey,
	records RecordStore,
	source SourceStore,
	snapshot snapshotFunc,
	settings *BridgeSettings,
) *Bridge {
	return &Bridge{
		ctx:      ctx,
		key:      key,
		records:  records,
		source:   source,
		snapshot: snapshot,
		settings: settings,
	}
}

// Load merges the persisted record into a fresh store, or seeds it from the
// source text the first time the document is ever opened collaboratively.
// Load never fails the room: on a store or bootstrap error the room opens
// with whatever state could be recovered.
func (self *Bridge) Load(ctx context.Context, text *crdt.Text) {
	recordCtx, cancel := context.WithTimeout(ctx, self.settings.StoreTimeout)
	defer cancel()

	record, err := self.records.GetRecord(recordCtx, self.key)
	if err == nil {
		if mergeErr := text.Merge(record.State); mergeErr != nil {
			glog.Infof("[pb]%s corrupt persisted state = %s\n", self.key, mergeErr)
		}
		return
	}
	if !errors.Is(err, ErrNotFound) {
		glog.Infof("[pb]%s record load error = %s\n", self.key, err)
		return
	}

	// first collaborative open, seed from the source of truth
	sourceCtx, cancel := context.WithTimeout(ctx, self.settings.StoreTimeout)
	defer cancel()
	content, err := self.source.ReadSource(sourceCtx, self.key.ProjectId, self.key.FilePath)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			glog.Infof("[pb]%s bootstrap error = %s\n", self.key, err)
		}
		return
	}
	text.Insert(0, content)
	glog.V(1).Infof("[pb]%s bootstrapped %d bytes\n", self.key, len(content))
}

// Touch resets the debounce timer and, once per activity burst, arms the
// maximum wait timer. Called after every merged edit.
func (self *Bridge) Touch() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	if self.debounce == nil {
		self.debounce = time.AfterFunc(self.settings.DebounceTimeout, self.debounceFire)
	} else {
		self.debounce.Reset(self.settings.DebounceTimeout)
	}
	if self.maxWait == nil {
		self.maxWait = time.AfterFunc(self.settings.MaxDebounceTimeout, self.maxWaitFire)
	}
}

func (self *Bridge) debounceFire() {
	if !self.disarm() {
		return
	}
	self.SaveNow(self.ctx)
}

func (self *Bridge) maxWaitFire() {
	if !self.disarm() {
		return
	}
	glog.V(1).Infof("[pb]%s forced save\n", self.key)
	self.SaveNow(self.ctx)
}

// disarm clears both timers so the next edit starts a new cycle.
func (self *Bridge) disarm() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return false
	}
	self.stopTimers()
	return true
}

// caller must hold the mutex
func (self *Bridge) stopTimers() {
	if self.debounce != nil {
		self.debounce.Stop()
		self.debounce = nil
	}
	if self.maxWait != nil {
		self.maxWait.Stop()
		self.maxWait = nil
	}
}

// SaveNow encodes a consistent snapshot, upserts the persisted record and
// independently writes the plain text projection. Either write may fail
// without affecting the other or the room; the next cycle retries with the
// accumulated state.
func (self *Bridge) SaveNow(ctx context.Context) {
	state, stateVector, text := self.snapshot()
	savedAt := time.Now()

	recordCtx, cancel := context.WithTimeout(ctx, self.settings.StoreTimeout)
	err := self.records.PutRecord(recordCtx, self.key, state, stateVector, savedAt)
	cancel()
	if err != nil {
		glog.Infof("[pb]%s record save error = %s\n", self.key, err)
	}

	projectionCtx, cancel := context.WithTimeout(ctx, self.settings.StoreTimeout)
	err = self.source.WriteProjection(projectionCtx, self.key.ProjectId, self.key.FilePath, text)
	cancel()
	if err != nil {
		glog.Infof("[pb]%s projection save error = %s\n", self.key, err)
	}

	glog.V(2).Infof("[pb]%s saved %d bytes\n", self.key, len(state))
}

// FinalSave clears any pending timers and saves immediately. Called
// synchronously when the last connection detaches.
func (self *Bridge) FinalSave(ctx context.Context) {
	if !self.disarm() {
		return
	}
	self.SaveNow(ctx)
}

// Close stops both timers. A save already in flight is not canceled.
func (self *Bridge) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
	self.stopTimers()
}
