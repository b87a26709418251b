package collab

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"
)

// in memory implementations of the external interfaces

type memRecordStore struct {
	mutex    gosync.Mutex
	records  map[string]*PersistedRecord
	getCount int
	putCount int
	failPuts bool
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		records: map[string]*PersistedRecord{},
	}
}

func (self *memRecordStore) GetRecord(ctx context.Context, key DocKey) (*PersistedRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.getCount += 1
	record, ok := self.records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	out := *record
	return &out, nil
}

func (self *memRecordStore) PutRecord(ctx context.Context, key DocKey, state []byte, stateVector []byte, savedAt time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.failPuts {
		return errors.New("record store down")
	}
	self.putCount += 1
	self.records[key.String()] = &PersistedRecord{
		State:       append([]byte{}, state...),
		StateVector: append([]byte{}, stateVector...),
		SavedAt:     savedAt,
	}
	return nil
}

func (self *memRecordStore) gets() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getCount
}

func (self *memRecordStore) puts() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.putCount
}

func (self *memRecordStore) setFailPuts(fail bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failPuts = fail
}

type memSourceStore struct {
	mutex       gosync.Mutex
	sources     map[string]string
	projections map[string]string
	readCount   int
	writeCount  int
	readDelay   time.Duration
}

func newMemSourceStore() *memSourceStore {
	return &memSourceStore{
		sources:     map[string]string{},
		projections: map[string]string{},
	}
}

func srcKey(projectId string, filePath string) string {
	return fmt.Sprintf("%s:%s", projectId, filePath)
}

func (self *memSourceStore) ReadSource(ctx context.Context, projectId string, filePath string) (string, error) {
	self.mutex.Lock()
	delay := self.readDelay
	self.mutex.Unlock()
	if 0 < delay {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.readCount += 1
	content, ok := self.sources[srcKey(projectId, filePath)]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (self *memSourceStore) WriteProjection(ctx context.Context, projectId string, filePath string, text string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.writeCount += 1
	self.projections[srcKey(projectId, filePath)] = text
	return nil
}

func (self *memSourceStore) setSource(projectId string, filePath string, content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sources[srcKey(projectId, filePath)] = content
}

func (self *memSourceStore) projection(projectId string, filePath string) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.projections[srcKey(projectId, filePath)]
}

func (self *memSourceStore) reads() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.readCount
}

type memDirectory struct {
	mutex gosync.Mutex
	roles map[string]Role
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		roles: map[string]Role{},
	}
}

func (self *memDirectory) setRole(projectId string, userId string, role Role) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.roles[projectId+"/"+userId] = role
}

func (self *memDirectory) Membership(ctx context.Context, projectId string, userId string) (Role, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	role, ok := self.roles[projectId+"/"+userId]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

type auditEntry struct {
	key    DocKey
	userId string
}

type memAudit struct {
	mutex        gosync.Mutex
	connected    []auditEntry
	disconnected []auditEntry
}

func newMemAudit() *memAudit {
	return &memAudit{}
}

func (self *memAudit) Connected(ctx context.Context, key DocKey, userId string, at time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.connected = append(self.connected, auditEntry{key: key, userId: userId})
	return nil
}

func (self *memAudit) Disconnected(ctx context.Context, key DocKey, userId string, at time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.disconnected = append(self.disconnected, auditEntry{key: key, userId: userId})
	return nil
}

func (self *memAudit) counts() (int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.connected), len(self.disconnected)
}
