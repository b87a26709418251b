package collab

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/collabtex/collabtex/crdt"
)

func fastBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		DebounceTimeout:    50 * time.Millisecond,
		MaxDebounceTimeout: 250 * time.Millisecond,
		StoreTimeout:       time.Second,
	}
}

type bridgeFixture struct {
	mutex   gosync.Mutex
	text    *crdt.Text
	records *memRecordStore
	source  *memSourceStore
	bridge  *Bridge
}

func newBridgeFixture(ctx context.Context, records *memRecordStore, source *memSourceStore) *bridgeFixture {
	key, _ := ParseDocKey("ns:p1:main.tex")
	fixture := &bridgeFixture{
		text:    crdt.NewText(newReplicaId()),
		records: records,
		source:  source,
	}
	fixture.bridge = NewBridge(
		ctx,
		key,
		records,
		source,
		func() ([]byte, []byte, string) {
			fixture.mutex.Lock()
			defer fixture.mutex.Unlock()
			return fixture.text.EncodeFull(), fixture.text.EncodeStateVector(), fixture.text.String()
		},
		fastBridgeSettings(),
	)
	return fixture
}

func (self *bridgeFixture) edit(pos int, s string) {
	self.mutex.Lock()
	self.text.Insert(pos, s)
	self.mutex.Unlock()
	self.bridge.Touch()
}

func TestDebounceForcesSaveDuringBurst(t *testing.T) {
	ctx := context.Background()
	records := newMemRecordStore()
	source := newMemSourceStore()
	fixture := newBridgeFixture(ctx, records, source)
	defer fixture.bridge.Close()

	// edits keep arriving faster than the debounce window, so the only
	// save during the burst is the forced one at the maximum wait mark
	for i := 0; i < 15; i += 1 {
		fixture.edit(i, "x")
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, records.puts())

	// once the burst ends the trailing debounce saves the rest
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, records.puts())
	assert.Equal(t, "xxxxxxxxxxxxxxx", source.projection("p1", "main.tex"))
}

func TestDebounceSavesAfterQuiescence(t *testing.T) {
	ctx := context.Background()
	records := newMemRecordStore()
	source := newMemSourceStore()
	fixture := newBridgeFixture(ctx, records, source)
	defer fixture.bridge.Close()

	fixture.edit(0, "once")
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, records.puts())

	// the max wait timer was cleared with the save
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, records.puts())
}

func TestBootstrapOnce(t *testing.T) {
	ctx := context.Background()
	records := newMemRecordStore()
	source := newMemSourceStore()
	source.setSource("p1", "main.tex", "Hello")

	fixture := newBridgeFixture(ctx, records, source)
	fixture.bridge.Load(ctx, fixture.text)
	assert.Equal(t, "Hello", fixture.text.String())
	assert.Equal(t, 1, source.reads())

	fixture.edit(5, ", world")
	fixture.bridge.FinalSave(ctx)
	fixture.bridge.Close()
	assert.Equal(t, "Hello, world", source.projection("p1", "main.tex"))

	// a second open loads the persisted record, not the bootstrap text
	second := newBridgeFixture(ctx, records, source)
	defer second.bridge.Close()
	second.bridge.Load(ctx, second.text)
	assert.Equal(t, "Hello, world", second.text.String())
	assert.Equal(t, 1, source.reads())
}

func TestBootstrapMissingSourceOpensEmpty(t *testing.T) {
	ctx := context.Background()
	fixture := newBridgeFixture(ctx, newMemRecordStore(), newMemSourceStore())
	defer fixture.bridge.Close()
	fixture.bridge.Load(ctx, fixture.text)
	assert.Equal(t, "", fixture.text.String())
}

func TestSaveFailureIsRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	records := newMemRecordStore()
	source := newMemSourceStore()
	fixture := newBridgeFixture(ctx, records, source)
	defer fixture.bridge.Close()

	fixture.mutex.Lock()
	fixture.text.Insert(0, "durable")
	fixture.mutex.Unlock()

	records.setFailPuts(true)
	fixture.bridge.SaveNow(ctx)
	assert.Equal(t, 0, records.puts())
	// the projection write is independent of the record write
	assert.Equal(t, "durable", source.projection("p1", "main.tex"))

	records.setFailPuts(false)
	fixture.bridge.SaveNow(ctx)
	assert.Equal(t, 1, records.puts())

	// the retried record carries the accumulated state
	recovered := crdt.NewText(99)
	record, err := records.GetRecord(ctx, DocKey{Namespace: "ns", ProjectId: "p1", FilePath: "main.tex"})
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered.Merge(record.State), nil)
	assert.Equal(t, "durable", recovered.String())
}

func TestFinalSaveClearsPendingTimers(t *testing.T) {
	ctx := context.Background()
	records := newMemRecordStore()
	fixture := newBridgeFixture(ctx, records, newMemSourceStore())

	fixture.edit(0, "bye")
	fixture.bridge.FinalSave(ctx)
	assert.Equal(t, 1, records.puts())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, records.puts())
	fixture.bridge.Close()
}
