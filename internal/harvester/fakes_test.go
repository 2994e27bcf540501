package harvester

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// makeRows renders n floor sheet rows whose contract numbers start at
// first.
func makeRows(first, n int) []models.RawRow {
	rows := make([]models.RawRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, models.RawRow{
			strconv.Itoa(i + 1),
			fmt.Sprintf("20261017%08d", first+i),
			"NABIL",
			"21",
			"42",
			"100",
			"1,234.00",
			"123,400.00",
		})
	}
	return rows
}

// fakeSource serves a fixed list of pages. It mimics a browser: FetchPage
// returns whatever page is currently displayed.
type fakeSource struct {
	mu        sync.Mutex
	pages     [][]models.RawRow
	current   int
	signals   bool
	stuckAt   int
	fetchErrs map[int]int
	advErrs   map[int]int
	configure ConfigureResult

	fetches  int
	advances int
}

func newFakeSource(pages ...[]models.RawRow) *fakeSource {
	return &fakeSource{
		pages:     pages,
		current:   1,
		fetchErrs: map[int]int{},
		advErrs:   map[int]int{},
	}
}

func (s *fakeSource) Configure(ctx context.Context, pageSize int) (ConfigureResult, error) {
	return s.configure, nil
}

func (s *fakeSource) FetchPage(ctx context.Context, index int) (models.RawPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.fetchErrs[s.current] > 0 {
		s.fetchErrs[s.current]--
		return models.RawPage{}, errors.New("navigation timeout")
	}

	page := models.RawPage{Index: index, FetchedAt: time.Now()}
	if s.current <= len(s.pages) {
		page.Rows = s.pages[s.current-1]
	}
	return page, nil
}

func (s *fakeSource) HasNext(ctx context.Context) (NextSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.signals {
		return NextUnknown, nil
	}
	if s.current < len(s.pages) {
		return NextYes, nil
	}
	return NextNo, nil
}

func (s *fakeSource) Advance(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advances++
	if s.advErrs[s.current] > 0 {
		s.advErrs[s.current]--
		return errors.New("next control detached")
	}
	if s.stuckAt > 0 && s.current >= s.stuckAt {
		return nil
	}
	s.current++
	return nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]*Checkpoint
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: map[string]*Checkpoint{}}
}

func (s *memoryStore) Load(ctx context.Context, runKey string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[runKey].Clone(), nil
}

func (s *memoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.saved[cp.RunKey] = cp.Clone()
	return nil
}

type appendRecorder struct {
	mu      sync.Mutex
	records []models.Record
	err     error
	fails   int
	calls   int
}

func (a *appendRecorder) Write(ctx context.Context, rec models.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.err != nil {
		return a.err
	}
	if a.fails > 0 {
		a.fails--
		return errors.New("disk busy")
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *appendRecorder) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type upsertRecorder struct {
	mu      sync.Mutex
	records map[string]models.Record
}

func newUpsertRecorder() *upsertRecorder {
	return &upsertRecorder{records: map[string]models.Record{}}
}

func (u *upsertRecorder) Upsert(ctx context.Context, key string, rec models.Record) (UpsertResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.records[key]; ok {
		return AlreadyPresent, nil
	}
	u.records[key] = rec
	return Inserted, nil
}

func (u *upsertRecorder) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.records)
}

// cancellingPacer cancels the run on its n-th wait.
type cancellingPacer struct {
	n      int
	waits  int
	cancel context.CancelFunc
}

func (p *cancellingPacer) Wait(ctx context.Context) error {
	p.waits++
	if p.waits == p.n {
		p.cancel()
	}
	return ctx.Err()
}
