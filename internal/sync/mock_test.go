package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/phytovigil/phytosync/internal/api"
	"github.com/phytovigil/phytosync/internal/model"
	"github.com/phytovigil/phytosync/internal/secure"
)

// --- Mock Backend ------------------------------------------------------------

type createCall struct {
	Type    model.RecordType
	Payload json.RawMessage
}

type mockBackend struct {
	mu stdsync.Mutex

	pullResults map[model.RecordType][]api.ServerRecord
	pullErrs    map[model.RecordType]error
	pullCalls   []model.RecordType
	pullSince   []time.Time

	nextServerID   int64
	createErr      error
	createAttempts int
	creates        []createCall

	updateErr error
	updates   []int64

	deleteErr error
	deletes   []int64
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		pullResults:  make(map[model.RecordType][]api.ServerRecord),
		pullErrs:     make(map[model.RecordType]error),
		nextServerID: 1000,
	}
}

func (m *mockBackend) serve(t model.RecordType, records ...api.ServerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullResults[t] = append(m.pullResults[t], records...)
}

func (m *mockBackend) Pull(_ context.Context, t model.RecordType, since time.Time) ([]api.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pullCalls = append(m.pullCalls, t)
	m.pullSince = append(m.pullSince, since)
	if err := m.pullErrs[t]; err != nil {
		return nil, err
	}
	records := make([]api.ServerRecord, len(m.pullResults[t]))
	copy(records, m.pullResults[t])
	return records, nil
}

func (m *mockBackend) Create(_ context.Context, t model.RecordType, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createAttempts++
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextServerID++
	m.creates = append(m.creates, createCall{Type: t, Payload: payload})
	return m.nextServerID, nil
}

func (m *mockBackend) Update(_ context.Context, _ model.RecordType, serverID int64, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, serverID)
	return nil
}

func (m *mockBackend) Delete(_ context.Context, _ model.RecordType, serverID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, serverID)
	return nil
}

func (m *mockBackend) pullCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pullCalls)
}

func (m *mockBackend) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates)
}

func (m *mockBackend) createAttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAttempts
}

func (m *mockBackend) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deletes)
}

// --- Mock Local Store --------------------------------------------------------

type mockLocal struct {
	mu        stdsync.Mutex
	records   map[string]*model.Record // type/localID → record
	conflicts map[string]model.Conflict
}

func newMockLocal() *mockLocal {
	return &mockLocal{
		records:   make(map[string]*model.Record),
		conflicts: make(map[string]model.Conflict),
	}
}

func recordKey(t model.RecordType, localID string) string {
	return fmt.Sprintf("%s/%s", t, localID)
}

func (m *mockLocal) seed(records ...*model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		m.records[recordKey(rec.Type, rec.LocalID)] = &cp
	}
}

func (m *mockLocal) GetByServerID(_ context.Context, t model.RecordType, serverID int64) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Type == t && rec.ServerID == serverID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockLocal) GetByLocalID(_ context.Context, t model.RecordType, localID string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[recordKey(t, localID)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *mockLocal) Create(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.Type, rec.LocalID)
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("record %s already exists", key)
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

func (m *mockLocal) Update(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.Type, rec.LocalID)
	if _, ok := m.records[key]; !ok {
		return fmt.Errorf("record %s not found", key)
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

func (m *mockLocal) Unsynced(_ context.Context, t model.RecordType) ([]*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*model.Record
	for _, rec := range m.records {
		if rec.Type == t && !rec.Synced {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockLocal) SaveConflict(_ context.Context, c model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = c
	return nil
}

func (m *mockLocal) Conflicts(_ context.Context) ([]model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []model.Conflict
	for _, c := range m.conflicts {
		result = append(result, c)
	}
	return result, nil
}

func (m *mockLocal) DeleteConflict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conflicts, id)
	return nil
}

func (m *mockLocal) get(t model.RecordType, localID string) *model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[recordKey(t, localID)]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

func (m *mockLocal) allRecords() []*model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*model.Record
	for _, rec := range m.records {
		cp := *rec
		result = append(result, &cp)
	}
	return result
}

func (m *mockLocal) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockLocal) conflictCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conflicts)
}

// --- Mock Blob Store ---------------------------------------------------------

type mockBlobs struct {
	mu    stdsync.Mutex
	blobs map[string][]byte
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{blobs: make(map[string][]byte)}
}

func (m *mockBlobs) Set(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[name] = cp
	return nil
}

func (m *mockBlobs) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, secure.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *mockBlobs) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

// --- Mock Connectivity -------------------------------------------------------

type mockConn struct {
	mu     stdsync.Mutex
	online bool
}

func (m *mockConn) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *mockConn) setOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}
