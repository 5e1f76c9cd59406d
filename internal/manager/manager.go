// Package manager implements the set registry described in spec §4.5: an
// MVCC name index over two radix trees (primary/alternate), a delta log of
// pending mutations, a background vacuum that merges and reclaims them,
// and per-client checkpoints that gate reclamation.
package manager

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/hlld/internal/config"
	"github.com/calvinalkan/hlld/internal/herrors"
	"github.com/calvinalkan/hlld/internal/radix"
	"github.com/calvinalkan/hlld/internal/sketch"
)

// vacuumInterval is the poll period of the background vacuum (spec §4.5.2).
const vacuumInterval = 500 * time.Millisecond

// vacuumWarnThreshold is how far vsn may outrun primary_vsn before the
// vacuum logs a warning about falling behind (spec §4.5.2).
const vacuumWarnThreshold = 1000

type deltaKind int

const (
	deltaCreate deltaKind = iota
	deltaDelete
)

// deltaEntry is one node of the newest-first singly linked delta log.
type deltaEntry struct {
	version uint64
	kind    deltaKind
	w       *wrapper
	next    *deltaEntry
}

// pendingReclaim is the state of a vacuum cycle's swap that hasn't yet been
// finalised: the retired primary tree and the replay needed to bring it back
// in sync as the new alternate, plus the version up to which the delta log
// may be trimmed. Touched only by the vacuum goroutine (vacuumOnce runs
// single-threaded, same as altTree), so it needs no lock of its own.
type pendingReclaim struct {
	oldPrimary *radix.Tree[*wrapper]
	toReplay   []*deltaEntry
	minVsn     uint64
}

// wrapper adds the manager-level lifecycle flags (spec §3) around a
// sketch.Sketch, which already owns proxied/dirty/hot/size_estimate and
// the per-sketch counters.
type wrapper struct {
	sk            *sketch.Sketch
	active        atomic.Bool
	pendingDelete atomic.Bool
}

// SetInfo is an immutable snapshot of one set's identity and current
// state, safe to hand to a caller without extending the wrapper's
// lifetime (spec §4.5.4: "list returns ... copies").
type SetInfo struct {
	Name         string
	EPS          float64
	Precision    uint8
	ByteSize     int
	SizeEstimate uint64
	InMemory     bool
}

func newSetInfo(sk *sketch.Sketch) SetInfo {
	return SetInfo{
		Name:         sk.Name,
		EPS:          sk.EPS,
		Precision:    sk.Precision,
		ByteSize:     sk.ByteSize(),
		SizeEstimate: sk.Size(),
		InMemory:     sk.InMemory,
	}
}

// Info is the per-set detail surfaced by the "info" command.
type Info struct {
	InMemory bool
	PageIns  uint64
	PageOuts uint64
	EPS      float64
	Precision uint8
	Sets     int
	Size     uint64
	Storage  string
}

// Manager is the concurrent name→sketch registry. The zero value is not
// usable; construct with New.
type Manager struct {
	dataDir string
	global  config.Global
	logger  *zap.Logger

	// writeMu serialises all destructive operations: create/drop/clear,
	// delta-log appends, and the vacuum's delta-log unlinking. Readers never
	// take it.
	writeMu sync.Mutex

	primary atomic.Pointer[radix.Tree[*wrapper]]
	altTree *radix.Tree[*wrapper] // touched only by the vacuum goroutine
	reclaim *pendingReclaim       // touched only by the vacuum goroutine

	vsn        atomic.Uint64
	primaryVsn atomic.Uint64
	deltaHead  atomic.Pointer[deltaEntry]

	pendingMu    sync.Mutex
	pendingNames map[string]struct{}

	checkpointMu sync.Mutex
	checkpoints  map[string]uint64

	shouldRun  atomic.Bool
	vacuumDone chan struct{}
}

// New constructs a Manager and performs the startup directory scan (spec
// §4.5.4 list_restore): every "<prefix><name>" folder under dataDir is
// opened proxied and inserted directly into the primary index, bypassing
// the delta log and vacuum entirely.
func New(dataDir string, global config.Global, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		dataDir:      dataDir,
		global:       global,
		logger:       logger,
		pendingNames: make(map[string]struct{}),
		checkpoints:  make(map[string]uint64),
		vacuumDone:   make(chan struct{}),
	}
	m.shouldRun.Store(true)

	tree := radix.New[*wrapper]()
	m.primary.Store(tree)

	if err := m.restoreFromDisk(tree); err != nil {
		return nil, err
	}

	// Both trees start as the same merged snapshot; the vacuum layers
	// incremental delta replays onto whichever one is currently "alt".
	m.altTree = radix.Copy(tree)

	return m, nil
}

func (m *Manager) defaultOptions() sketch.Options {
	return sketch.Options{
		Precision: m.global.DefaultPrecision,
		EPS:       m.global.DefaultEPS,
		InMemory:  m.global.InMemory,
		UseMmap:   m.global.UseMmap,
	}
}

func (m *Manager) restoreFromDisk(tree *radix.Tree[*wrapper]) error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return herrors.Wrap(herrors.KindInternal, fmt.Errorf("read data dir: %w", err))
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		name, ok := sketch.NameFromFolder(e.Name())
		if !ok {
			continue
		}

		sk, err := sketch.Open(m.dataDir, name, m.defaultOptions(), false)
		if err != nil {
			m.logger.Warn("restore: failed to open set", zap.String("name", name), zap.Error(err))

			continue
		}

		w := &wrapper{sk: sk}
		w.active.Store(true)

		tree.Insert(nameKey(name), w)
	}

	return nil
}

func nameKey(name string) []byte { return append([]byte(name), 0) }

func validateName(name string) error {
	if len(name) < 1 || len(name) > 200 {
		return fmt.Errorf("name length must be in [1,200], got %d", len(name))
	}

	if strings.ContainsAny(name, " \t\n\r") {
		return fmt.Errorf("name must not contain whitespace")
	}

	return nil
}

// Start launches the background vacuum goroutine.
func (m *Manager) Start() { go m.vacuumLoop() }

// Stop signals the vacuum to exit at its next wake and blocks until it has
// (spec §5: "destroy joins the vacuum thread before tearing down state").
func (m *Manager) Stop() {
	m.shouldRun.Store(false)
	<-m.vacuumDone
}

// Checkpoint records that clientID has observed the current version. Every
// operation below calls this implicitly; background workers additionally
// call it directly on entry and periodically during long scans (spec
// §4.5.3, §4.6).
func (m *Manager) Checkpoint(clientID string) {
	v := m.vsn.Load()

	m.checkpointMu.Lock()
	m.checkpoints[clientID] = v
	m.checkpointMu.Unlock()
}

// Leave removes clientID's checkpoint entry, e.g. on connection close.
func (m *Manager) Leave(clientID string) {
	m.checkpointMu.Lock()
	delete(m.checkpoints, clientID)
	m.checkpointMu.Unlock()
}

func (m *Manager) minClientVersion() uint64 {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	min := m.vsn.Load()
	for _, v := range m.checkpoints {
		if v < min {
			min = v
		}
	}

	return min
}

func (m *Manager) isPendingDelete(name string) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	_, ok := m.pendingNames[name]

	return ok
}

// lookup is the lock-free read path (spec §4.5.1): search primary first;
// if absent (or present but inactive — drop/clear flip the flag on the
// very wrapper primary still holds, without touching the tree, until the
// vacuum next merges the matching DELETE) and primary is stale, walk the
// delta log from its head, returning the first CREATE/DELETE entry for
// name down to (and including) version primary_vsn+1 — the newest entry
// for a name dominates, and head-to-tail order visits newest first.
func (m *Manager) lookup(name string) *wrapper {
	tree := m.primary.Load()
	if w, ok := tree.Search(nameKey(name)); ok && w.active.Load() {
		return w
	}

	pvsn := m.primaryVsn.Load()
	if pvsn == m.vsn.Load() {
		return nil
	}

	for e := m.deltaHead.Load(); e != nil && e.version > pvsn; e = e.next {
		if e.w.sk.Name != name {
			continue
		}

		if e.kind == deltaDelete {
			return nil
		}

		return e.w
	}

	return nil
}

// resolveForCreate walks the same read path as lookup but additionally
// reports whether the newest entry found for name is an unreclaimed
// DELETE, so Create can return DeletePending immediately — even before
// any vacuum cycle has run — rather than only once the vacuum's
// pending-deletes snapshot (spec §4.5.2 step 4) has been published. A
// primary hit whose wrapper has gone inactive (drop/clear, not yet merged
// by the vacuum) is not "existing" — it falls through to the delta walk
// exactly like a tree miss would.
func (m *Manager) resolveForCreate(name string) (w *wrapper, pendingDelete bool) {
	tree := m.primary.Load()
	if w, ok := tree.Search(nameKey(name)); ok && w.active.Load() {
		return w, false
	}

	pvsn := m.primaryVsn.Load()
	if pvsn != m.vsn.Load() {
		for e := m.deltaHead.Load(); e != nil && e.version > pvsn; e = e.next {
			if e.w.sk.Name != name {
				continue
			}

			if e.kind == deltaDelete {
				return nil, true
			}

			return e.w, false
		}
	}

	// Not visible in primary or the unmerged delta window; it may still be
	// mid-reclamation in the vacuum's published pending-deletes snapshot.
	return nil, m.isPendingDelete(name)
}

// appendDelta must be called with writeMu held.
func (m *Manager) appendDelta(kind deltaKind, w *wrapper) {
	e := &deltaEntry{version: m.vsn.Add(1), kind: kind, w: w}
	e.next = m.deltaHead.Load()
	m.deltaHead.Store(e)
}

// Create appends a CREATE delta for a new set. When opts is non-nil the
// set is brought resident and marked hot immediately (a custom config was
// supplied); otherwise it stays proxied and faults in lazily on first add
// (spec §4.5.4).
func (m *Manager) Create(clientID, name string, opts *sketch.Options) error {
	m.Checkpoint(clientID)

	if err := validateName(name); err != nil {
		return herrors.Wrap(herrors.KindBadArguments, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	existing, pending := m.resolveForCreate(name)

	if existing != nil {
		return herrors.ErrExists
	}

	if pending {
		return herrors.ErrDeletePending
	}

	resolved := m.defaultOptions()
	discover := opts != nil

	if opts != nil {
		resolved = *opts
	}

	sk, err := sketch.Open(m.dataDir, name, resolved, discover)
	if err != nil {
		return herrors.Wrap(herrors.KindInternal, err)
	}

	if discover {
		sk.MarkHot()
	}

	w := &wrapper{sk: sk}
	w.active.Store(true)

	m.appendDelta(deltaCreate, w)

	return nil
}

// Drop marks name inactive with pending_delete and appends a DELETE delta;
// its on-disk files are removed once the vacuum reclaims the entry.
func (m *Manager) Drop(clientID, name string) error {
	m.Checkpoint(clientID)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	w.active.Store(false)
	w.pendingDelete.Store(true)
	m.appendDelta(deltaDelete, w)

	return nil
}

// Clear marks name inactive without pending_delete: the sketch folder
// survives on disk (spec §9: "clear never removes files, unlike drop").
// Requires the sketch to already be proxied.
func (m *Manager) Clear(clientID, name string) error {
	m.Checkpoint(clientID)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	if !w.sk.Proxied() {
		return herrors.ErrNotProxied
	}

	w.active.Store(false)
	w.pendingDelete.Store(false)
	m.appendDelta(deltaDelete, w)

	return nil
}

// Flush read-locks and flushes the named sketch.
func (m *Manager) Flush(clientID, name string) error {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	return w.sk.Flush()
}

// Unmap closes (unmaps) the named sketch; a no-op for in-memory sets.
func (m *Manager) Unmap(clientID, name string) error {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	if w.sk.InMemory {
		return nil
	}

	return w.sk.Close()
}

// AddKeys faults the sketch in if needed and adds every key.
func (m *Manager) AddKeys(clientID, name string, keys [][]byte) error {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	return w.sk.AddAll(keys)
}

// Size returns the set's cardinality estimate.
func (m *Manager) Size(clientID, name string) (uint64, error) {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return 0, herrors.ErrNotFound
	}

	return w.sk.Size(), nil
}

// Info returns the detail surfaced by the wire "info" command.
func (m *Manager) Info(clientID, name string) (Info, error) {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return Info{}, herrors.ErrNotFound
	}

	storage := "in_memory"
	if !w.sk.InMemory {
		storage = "mmap"
		if !w.sk.UseMmap {
			storage = "private"
		}
	}

	return Info{
		InMemory:  w.sk.InMemory,
		PageIns:   w.sk.PageIns(),
		PageOuts:  w.sk.PageOuts(),
		EPS:       w.sk.EPS,
		Precision: w.sk.Precision,
		Sets:      len(m.List(clientID, "")),
		Size:      w.sk.Size(),
		Storage:   storage,
	}, nil
}

// List prefix-iterates the primary index and also considers delta CREATE
// entries newer than primary_vsn so not-yet-merged creates (and the
// create-then-delete dominance among them) are visible immediately (spec
// §4.5.4).
func (m *Manager) List(clientID, prefix string) []SetInfo {
	m.Checkpoint(clientID)

	seen := make(map[string]struct{})

	var out []SetInfo

	collect := func(w *wrapper) {
		if !w.active.Load() {
			return
		}

		if _, dup := seen[w.sk.Name]; dup {
			return
		}

		seen[w.sk.Name] = struct{}{}
		out = append(out, newSetInfo(w.sk))
	}

	tree := m.primary.Load()
	visit := func(_ []byte, w *wrapper) bool { collect(w); return true }

	if prefix == "" {
		tree.Iter(visit)
	} else {
		tree.IterPrefix([]byte(prefix), visit)
	}

	pvsn := m.primaryVsn.Load()
	deltaVerdict := make(map[string]bool) // name -> newest verdict already resolved

	for e := m.deltaHead.Load(); e != nil && e.version > pvsn; e = e.next {
		name := e.w.sk.Name
		if deltaVerdict[name] {
			continue
		}

		deltaVerdict[name] = true

		if _, dup := seen[name]; dup {
			continue
		}

		if !strings.HasPrefix(name, prefix) {
			continue
		}

		if e.kind == deltaCreate && e.w.active.Load() {
			collect(e.w)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ListCold iterates the primary index; for each active, non-hot, non-proxied
// wrapper it is emitted and the hot flag is cleared as a side effect for
// wrappers that were hot (spec §4.5.4). Deltas are not considered.
func (m *Manager) ListCold(clientID string) []string {
	m.Checkpoint(clientID)

	var out []string

	tree := m.primary.Load()
	tree.Iter(func(_ []byte, w *wrapper) bool {
		if !w.active.Load() {
			return true
		}

		if w.sk.TestAndClearHot() {
			return true
		}

		if w.sk.Proxied() {
			return true
		}

		out = append(out, w.sk.Name)

		return true
	})

	return out
}

// Inspect invokes fn with the underlying sketch for read-only inspection.
func (m *Manager) Inspect(clientID, name string, fn func(*sketch.Sketch)) error {
	m.Checkpoint(clientID)

	w := m.lookup(name)
	if w == nil {
		return herrors.ErrNotFound
	}

	fn(w.sk)

	return nil
}

func (m *Manager) vacuumLoop() {
	defer close(m.vacuumDone)

	ticker := time.NewTicker(vacuumInterval)
	defer ticker.Stop()

	for m.shouldRun.Load() {
		<-ticker.C

		if !m.shouldRun.Load() {
			return
		}

		m.vacuumOnce()
	}
}

// vacuumOnce runs a single pass of spec §4.5.2's nine-step algorithm. It
// never blocks: a swap's retired primary tree and its matching delta-log
// trim are deferred to the following cycle's call instead of waiting
// in-cycle for every client to catch up, which a client that has gone idle
// right after its last checkpoint may never do (spec §9's epoch-advance
// note; see DESIGN.md).
func (m *Manager) vacuumOnce() {
	m.finalizeReclaim()

	vsn := m.vsn.Load()
	pvsn := m.primaryVsn.Load()

	if vsn == pvsn {
		return
	}

	minVsn := m.minClientVersion()
	if minVsn > vsn {
		minVsn = vsn
	}

	// Collect deltas in (primary_vsn, min_vsn], oldest to newest: the log
	// is newest-first, so gather then reverse.
	var toReplay []*deltaEntry

	for e := m.deltaHead.Load(); e != nil && e.version > pvsn; e = e.next {
		if e.version <= minVsn {
			toReplay = append(toReplay, e)
		}
	}

	for i, j := 0, len(toReplay)-1; i < j; i, j = i+1, j-1 {
		toReplay[i], toReplay[j] = toReplay[j], toReplay[i]
	}

	pending := make(map[string]struct{})

	for _, e := range toReplay {
		key := nameKey(e.w.sk.Name)

		switch e.kind {
		case deltaCreate:
			m.altTree.Insert(key, e.w)
		case deltaDelete:
			m.altTree.Delete(key)
			pending[e.w.sk.Name] = struct{}{}
		}
	}

	m.pendingMu.Lock()
	m.pendingNames = pending
	m.pendingMu.Unlock()

	newPrimary := m.altTree
	oldPrimary := m.primary.Swap(newPrimary)
	m.primaryVsn.Store(minVsn)

	// The old primary may still be in the hands of a lookup that loaded it
	// just before the swap above; reusing it as the new alternate and
	// trimming the entries it was merged from is deferred to the next
	// vacuumOnce call, by which point a full vacuumInterval has elapsed —
	// far longer than any such read, which never blocks and never sleeps,
	// could still be running.
	m.reclaim = &pendingReclaim{oldPrimary: oldPrimary, toReplay: toReplay, minVsn: minVsn}

	if vsn-minVsn > vacuumWarnThreshold {
		m.logger.Warn("vacuum falling behind",
			zap.Uint64("vsn", vsn), zap.Uint64("min_vsn", minVsn))
	}
}

// finalizeReclaim completes the previous cycle's deferred swap, if any:
// resyncs the retired tree as the new alternate, trims the delta log up to
// that cycle's minVsn, and clears the pending-deletes snapshot those
// entries had published.
func (m *Manager) finalizeReclaim() {
	r := m.reclaim
	if r == nil {
		return
	}

	m.reclaim = nil
	m.altTree = r.oldPrimary

	for _, e := range r.toReplay {
		key := nameKey(e.w.sk.Name)

		switch e.kind {
		case deltaCreate:
			m.altTree.Insert(key, e.w)
		case deltaDelete:
			m.altTree.Delete(key)
		}
	}

	m.trimDeltaLog(r.minVsn)

	m.pendingMu.Lock()
	m.pendingNames = make(map[string]struct{})
	m.pendingMu.Unlock()
}

// trimDeltaLog unlinks every entry with version <= minVsn and destroys the
// sketch behind each reclaimed DELETE entry (spec §4.5.2 step 8).
func (m *Manager) trimDeltaLog(minVsn uint64) {
	// Unlink under writeMu so a concurrent appendDelta cannot push a new head
	// that the Store(nil) below would then discard.
	m.writeMu.Lock()

	head := m.deltaHead.Load()

	var boundary *deltaEntry

	cur := head
	for cur != nil && cur.version > minVsn {
		boundary = cur
		cur = cur.next
	}

	if cur == nil {
		m.writeMu.Unlock()

		return
	}

	if boundary == nil {
		m.deltaHead.Store(nil)
	} else {
		boundary.next = nil
	}

	m.writeMu.Unlock()

	for e := cur; e != nil; e = e.next {
		if e.kind != deltaDelete {
			continue
		}

		var err error
		if e.w.pendingDelete.Load() {
			err = e.w.sk.Delete()
		} else {
			err = e.w.sk.Close()
		}

		if err != nil {
			m.logger.Warn("vacuum: failed to reclaim set",
				zap.String("name", e.w.sk.Name), zap.Error(err))
		}
	}
}
