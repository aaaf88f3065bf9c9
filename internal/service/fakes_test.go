package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/metrics"
	"baliseregistry/internal/repository"
	"baliseregistry/internal/service/s3"
)

// memStore mirrors the semantics of the SQL repositories in memory
type memStore struct {
	mu              sync.Mutex
	balises         map[int]domain.Balise
	versions        map[int][]domain.BaliseVersion
	archives        map[string]domain.BaliseArchive
	archiveVersions map[string][]domain.BaliseArchiveVersion
	writeLocks      map[int]chan struct{}
	latestCalls     int
	nextVersionID   int64
	archiveErr      error
}

func newMemStore() *memStore {
	return &memStore{
		balises:         make(map[int]domain.Balise),
		versions:        make(map[int][]domain.BaliseVersion),
		archives:        make(map[string]domain.BaliseArchive),
		archiveVersions: make(map[string][]domain.BaliseArchiveVersion),
		writeLocks:      make(map[int]chan struct{}),
	}
}

func (m *memStore) AcquireWriteLock(ctx context.Context, id int) (func(), error) {
	m.mu.Lock()
	ch, ok := m.writeLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.writeLocks[id] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cloneBalise(b domain.Balise) domain.Balise {
	b.FileTypes = append(pq.StringArray(nil), b.FileTypes...)
	return b
}

// put stores b as the live row, used to arrange test fixtures
func (m *memStore) put(b domain.Balise) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balises[b.SecondaryID] = cloneBalise(b)
}

// addVersion appends a history row, used to arrange test fixtures
func (m *memStore) addVersion(v domain.BaliseVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextVersionID++
	v.ID = m.nextVersionID
	m.versions[v.SecondaryID] = append(m.versions[v.SecondaryID], v)
}

func (m *memStore) live(id int) (domain.Balise, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[id]
	return cloneBalise(b), ok
}

func (m *memStore) history(id int) []domain.BaliseVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BaliseVersion(nil), m.versions[id]...)
}

func (m *memStore) GetBySecondaryID(_ context.Context, id int) (*domain.Balise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneBalise(b)
	return &out, nil
}

func (m *memStore) List(_ context.Context) ([]domain.Balise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Balise, 0, len(m.balises))
	for _, b := range m.balises {
		out = append(out, cloneBalise(b))
	}
	// map order is random, the resolver must sort
	return out, nil
}

func (m *memStore) ListBySecondaryIDs(_ context.Context, ids []int) ([]domain.Balise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Balise
	for _, id := range ids {
		if b, ok := m.balises[id]; ok {
			out = append(out, cloneBalise(b))
		}
	}
	return out, nil
}

func (m *memStore) Create(_ context.Context, b *domain.Balise) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balises[b.SecondaryID]; ok {
		return repository.ErrAlreadyExists
	}
	b.CreatedTime = time.Now()
	m.balises[b.SecondaryID] = cloneBalise(*b)
	return nil
}

func (m *memStore) CreateMany(_ context.Context, ids []int, createdBy string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created []int
	for _, id := range ids {
		if _, ok := m.balises[id]; ok {
			continue
		}
		m.balises[id] = domain.Balise{
			SecondaryID:   id,
			VersionStatus: domain.VersionStatusOfficial,
			FileTypes:     pq.StringArray{},
			CreatedBy:     createdBy,
			CreatedTime:   time.Now(),
		}
		created = append(created, id)
	}
	return created, nil
}

func (m *memStore) UpdateDescription(_ context.Context, id int, description string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[id]
	if !ok || !b.IsLockedBy(userID) {
		return repository.ErrConditionFailed
	}
	b.Description = description
	m.balises[id] = b
	return nil
}

func (m *memStore) AcquireLock(_ context.Context, id int, userID string, reason *string) (*domain.Balise, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[id]
	if !ok || b.Locked {
		return nil, false, nil
	}
	owner, at := userID, b.Version
	b.Locked = true
	b.LockedBy = &owner
	b.LockedAtVersion = &at
	b.LockReason = reason
	m.balises[id] = b
	out := cloneBalise(b)
	return &out, true, nil
}

func (m *memStore) ReleaseLock(_ context.Context, id int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[id]
	if !ok || !b.IsLockedBy(owner) {
		return repository.ErrConditionFailed
	}
	b.Locked = false
	b.LockedBy = nil
	b.LockedAtVersion = nil
	b.LockReason = nil
	b.VersionStatus = domain.VersionStatusOfficial
	m.balises[id] = b
	for i := range m.versions[id] {
		m.versions[id][i].VersionStatus = domain.VersionStatusOfficial
	}
	return nil
}

func (m *memStore) SupersedeVersion(_ context.Context, current *domain.Balise, next *domain.Balise, snapshot *domain.BaliseVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balises[current.SecondaryID]
	if !ok || b.Version != current.Version || !b.IsLockedBy(current.Owner()) {
		return repository.ErrConditionFailed
	}
	if snapshot != nil {
		for _, v := range m.versions[current.SecondaryID] {
			if v.Version == snapshot.Version {
				return repository.ErrConditionFailed
			}
		}
		m.nextVersionID++
		snapshot.ID = m.nextVersionID
		m.versions[current.SecondaryID] = append(m.versions[current.SecondaryID], *snapshot)
	}
	if !next.Locked {
		for i := range m.versions[current.SecondaryID] {
			m.versions[current.SecondaryID][i].VersionStatus = domain.VersionStatusOfficial
		}
	}
	m.balises[current.SecondaryID] = cloneBalise(*next)
	return nil
}

func (m *memStore) ListVersions(_ context.Context, id int) ([]domain.BaliseVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.BaliseVersion(nil), m.versions[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *memStore) GetVersion(_ context.Context, id int, version int) (*domain.BaliseVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[id] {
		if v.Version == version {
			out := v
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) LatestOfficialVersions(_ context.Context, ids []int) (map[int]domain.BaliseVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestCalls++
	out := make(map[int]domain.BaliseVersion)
	for _, id := range ids {
		for _, v := range m.versions[id] {
			if v.VersionStatus != domain.VersionStatusOfficial || v.Version == 0 {
				continue
			}
			if best, ok := out[id]; !ok || v.Version > best.Version {
				out[id] = v
			}
		}
	}
	return out, nil
}

func (m *memStore) Archive(_ context.Context, archive domain.BaliseArchive, versions []domain.BaliseArchiveVersion, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveErr != nil {
		return m.archiveErr
	}
	b, ok := m.balises[archive.SecondaryID]
	if !ok || !b.IsLockedBy(owner) || b.Version != archive.Version {
		return repository.ErrConditionFailed
	}
	m.archives[archive.ArchivedSecondaryID] = archive
	m.archiveVersions[archive.ArchivedSecondaryID] = versions
	delete(m.versions, archive.SecondaryID)
	delete(m.balises, archive.SecondaryID)
	return nil
}

// memBlobs is an in-memory blob store with per-key failure injection
type memBlobs struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failPut    map[string]bool
	failCopy   map[string]bool
	failDelete map[string]bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{
		objects:    make(map[string][]byte),
		failPut:    make(map[string]bool),
		failCopy:   make(map[string]bool),
		failDelete: make(map[string]bool),
	}
}

var errInjected = errors.New("injected blob failure")

func (m *memBlobs) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut[key] {
		return s3.Error.Wrap(errInjected)
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) CopyObject(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCopy[srcKey] {
		return s3.Error.Wrap(errInjected)
	}
	data, ok := m.objects[srcKey]
	if !ok {
		return s3.Error.Wrap(s3.ErrObjectNotFound)
	}
	m.objects[dstKey] = data
	return nil
}

func (m *memBlobs) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete[key] {
		return s3.Error.Wrap(errInjected)
	}
	delete(m.objects, key)
	return nil
}

func (m *memBlobs) GetObject(_ context.Context, key string) (s3.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, s3.Error.Wrap(s3.ErrObjectNotFound)
	}
	return &memObject{ReadCloser: io.NopCloser(bytes.NewReader(data)), size: int64(len(data))}, nil
}

func (m *memBlobs) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memBlobs) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memObject struct {
	io.ReadCloser
	size int64
}

func (o *memObject) ContentLength() int64 { return o.size }
func (o *memObject) ContentType() string  { return "application/octet-stream" }

// fixture wires every service against the in-memory fakes
type fixture struct {
	store    *memStore
	blobs    *memBlobs
	metrics  *metrics.Metrics
	resolver *VersionResolver
	locks    *LockService
	uploads  *UploadService
	balises  *BaliseService
	archives *ArchiveService
	bulk     *BulkService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := zaptest.NewLogger(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	store := newMemStore()
	blobs := newMemBlobs()
	resolver := NewVersionResolver(store)
	locks := NewLockService(store, log, m)
	uploads := NewUploadService(store, blobs, testRange, log)
	archives := NewArchiveService(store, store, blobs, log, m)

	return &fixture{
		store:    store,
		blobs:    blobs,
		metrics:  m,
		resolver: resolver,
		locks:    locks,
		uploads:  uploads,
		balises:  NewBaliseService(store, blobs, resolver, log),
		archives: archives,
		bulk: NewBulkService(
			NewBulkOrchestrator(DefaultBulkChunkSize, log, m),
			locks, uploads, archives, store, testRange, log,
		),
	}
}

var (
	writerA = domain.Principal{UserID: "alice", IsWriteUser: true}
	writerB = domain.Principal{UserID: "bob", IsWriteUser: true}
	reader  = domain.Principal{UserID: "carol", IsReadUser: true}
	admin   = domain.Principal{UserID: "root", IsAdmin: true}
)

func file(name string) domain.UploadFile {
	return domain.UploadFile{Name: name, ContentType: "application/octet-stream", Data: []byte("data of " + name)}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

// lockedBalise returns a live row locked by owner at its version
func lockedBalise(id, version int, status domain.VersionStatus, owner string, files ...string) domain.Balise {
	b := domain.Balise{
		SecondaryID:   id,
		Version:       version,
		VersionStatus: status,
		FileTypes:     pq.StringArray(files),
		CreatedBy:     owner,
		CreatedTime:   time.Now(),
	}
	if owner != "" {
		at := version
		b.Locked = true
		b.LockedBy = &owner
		b.LockedAtVersion = &at
	}
	return b
}
