// Package swap decides which resident pages are evicted under memory
// pressure, stores their contents on a backing store and reads them back
// when they are faulted in.
package swap

import (
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nassro199/Horizon-sub003/kernel"
	"github.com/nassro199/Horizon-sub003/kernel/kfmt"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

var (
	log = kfmt.Get("swap")

	errNoRegistry   = &kernel.Error{Module: "swap", Message: "a VMM registry is required", Kind: kernel.KindInvalid}
	errNoBacking    = &kernel.Error{Module: "swap", Message: "a backing store is required", Kind: kernel.KindInvalid}
	errSmallSlots   = &kernel.Error{Module: "swap", Message: "backing store slots cannot hold a page", Kind: kernel.KindInvalid}
	errStoreFull    = &kernel.Error{Module: "swap", Message: "no free swap slot", Kind: kernel.KindExhausted}
	errRateLimited  = &kernel.Error{Module: "swap", Message: "eviction rate limit reached", Kind: kernel.KindExhausted}
	errUnknownEntry = &kernel.Error{Module: "swap", Message: "swap entry is not allocated", Kind: kernel.KindInconsistent}
)

// Options configure an Engine.
type Options struct {
	Registry *vmm.Registry
	Backing  Backing

	Policy      Policy
	Compression Compression
	Prioritizer Prioritizer

	// ExemptThreshold is the score at or above which candidates stay
	// resident. Values outside (0, MaxPriority] mean MaxPriority.
	ExemptThreshold int

	// RecencyWindow is the age, in VMM clock ticks, after which
	// PriorityRecency scores a page 0.
	RecencyWindow uint64

	// Score is used by PriorityCustom.
	Score ScoreFn

	// Threshold is the number of resident pages ReclaimToThreshold
	// reclaims down to. Zero disables threshold reclaim.
	Threshold int

	// MaxEvictionsPerSecond limits the eviction rate. Zero means
	// unlimited.
	MaxEvictionsPerSecond float64

	// Seed initializes PolicyRandom.
	Seed int64
}

// counters are updated atomically.
type counters struct {
	swapOuts      uint64
	swapIns       uint64
	compressed    uint64
	raw           uint64
	fallbacks     uint64
	storedBytes   uint64
	exempted      uint64
	evictFailures uint64
	storeFailures uint64
	readFailures  uint64
	rateLimited   uint64
	reclaimRuns   uint64
	reclaimWaits  uint64
	reclaimed     uint64
}

// Engine evicts pages to a backing store and faults them back in. It
// implements vmm.Swapper.
type Engine struct {
	reg     *vmm.Registry
	backing Backing
	limiter *rate.Limiter

	prioritizer Prioritizer
	exempt      int
	window      uint64
	score       ScoreFn

	// lock protects the codec, the selector and the slot allocator.
	lock      sync.Spinlock
	codec     *codec
	selector  *selector
	freeSlots []int
	used      []bool

	// passDone is non-nil while a reclaim pass runs and is closed when it
	// completes.
	passLock sync.Spinlock
	passDone chan struct{}

	threshold int64
	stats     counters
}

// New creates a swap engine and registers it as the swapper of the VMM.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Registry == nil:
		return nil, errNoRegistry
	case opts.Backing == nil:
		return nil, errNoBacking
	case opts.Backing.SlotSize() < int(mm.PageSize)+1:
		return nil, errors.Wrapf(errSmallSlots, "%d byte slots", opts.Backing.SlotSize())
	}
	if _, ok := policyNames[opts.Policy]; !ok {
		return nil, errUnknownPolicy
	}
	if _, ok := prioritizerNames[opts.Prioritizer]; !ok {
		return nil, errUnknownPrioritizer
	}

	c, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	if opts.ExemptThreshold <= 0 || opts.ExemptThreshold > MaxPriority {
		opts.ExemptThreshold = MaxPriority
	}

	e := &Engine{
		reg:         opts.Registry,
		backing:     opts.Backing,
		prioritizer: opts.Prioritizer,
		exempt:      opts.ExemptThreshold,
		window:      opts.RecencyWindow,
		score:       opts.Score,
		codec:       c,
		selector:    newSelector(opts.Policy, opts.Seed),
		used:        make([]bool, opts.Backing.Slots()),
		threshold:   int64(opts.Threshold),
	}

	// Lowest slots are handed out first
	e.freeSlots = make([]int, 0, opts.Backing.Slots())
	for slot := opts.Backing.Slots() - 1; slot >= 0; slot-- {
		e.freeSlots = append(e.freeSlots, slot)
	}

	if opts.MaxEvictionsPerSecond > 0 {
		burst := int(math.Ceil(opts.MaxEvictionsPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(opts.MaxEvictionsPerSecond), burst)
	}

	opts.Registry.SetSwapper(e)
	log.Infof("swap engine: policy %s, compression %s, prioritizer %s, %d slots", opts.Policy, opts.Compression, opts.Prioritizer, opts.Backing.Slots())
	return e, nil
}

// Close releases the compression resources of the engine.
func (e *Engine) Close() {
	e.lock.Acquire()
	e.codec.close()
	e.lock.Release()
}

// Threshold returns the resident page target of ReclaimToThreshold.
func (e *Engine) Threshold() int {
	return int(atomic.LoadInt64(&e.threshold))
}

// SetThreshold changes the resident page target of ReclaimToThreshold.
func (e *Engine) SetThreshold(pages int) {
	atomic.StoreInt64(&e.threshold, int64(pages))
}

// exempted returns true if the prioritizer keeps page resident.
func (e *Engine) exempted(page vmm.ResidentPage, now uint64) bool {
	if e.prioritizer == PriorityNone {
		return false
	}
	if e.prioritizer.score(page, now, e.window, e.score) >= e.exempt {
		atomic.AddUint64(&e.stats.exempted, 1)
		return true
	}
	return false
}

// ScanCandidates returns up to count pages of as in the order the
// configured policy would evict them. Pages exempted by the prioritizer and
// pages that are mapped more than once are skipped.
func (e *Engine) ScanCandidates(as *vmm.AddressSpace, count int) []vmm.ResidentPage {
	now := e.reg.Now()
	keep := func(page vmm.ResidentPage) bool { return !e.exempted(page, now) }

	e.lock.Acquire()
	defer e.lock.Release()
	return e.selector.candidates(as, count, keep)
}

// Evict writes page to the backing store and unmaps it. It returns the swap
// entry now recorded for the page; clean file pages are dropped and return
// vmm.InvalidSwapEntry.
func (e *Engine) Evict(page vmm.ResidentPage) (vmm.SwapEntry, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		atomic.AddUint64(&e.stats.rateLimited, 1)
		return vmm.InvalidSwapEntry, errRateLimited
	}

	evicted, err := page.Space.EvictPage(page.Page, e.store)
	if err != nil {
		atomic.AddUint64(&e.stats.evictFailures, 1)
		return vmm.InvalidSwapEntry, err
	}
	return evicted.Entry, nil
}

// store is the vmm.StoreFn of the engine. The slot is reserved under the
// engine lock and the record is written without holding it.
func (e *Engine) store(data []byte) (vmm.SwapEntry, error) {
	e.lock.Acquire()
	n := len(e.freeSlots)
	if n == 0 {
		e.lock.Release()
		return vmm.InvalidSwapEntry, errStoreFull
	}
	slot := e.freeSlots[n-1]
	e.freeSlots = e.freeSlots[:n-1]
	e.used[slot] = true
	res := e.codec.encode(data)
	e.lock.Release()

	if err := e.backing.Write(slot, res.record); err != nil {
		e.lock.Acquire()
		e.freeSlot(slot)
		e.lock.Release()

		atomic.AddUint64(&e.stats.storeFailures, 1)
		return vmm.InvalidSwapEntry, errors.Wrapf(err, "swap slot %d", slot)
	}

	atomic.AddUint64(&e.stats.swapOuts, 1)
	atomic.AddUint64(&e.stats.storedBytes, uint64(len(res.record)))
	switch {
	case res.compressed:
		atomic.AddUint64(&e.stats.compressed, 1)
	case res.fallback:
		atomic.AddUint64(&e.stats.fallbacks, 1)
		atomic.AddUint64(&e.stats.raw, 1)
	default:
		atomic.AddUint64(&e.stats.raw, 1)
	}
	return entryFor(slot), nil
}

func entryFor(slot int) vmm.SwapEntry { return vmm.SwapEntry(slot + 1) }

// slotOf returns the slot of an allocated entry. The engine lock must be
// held.
func (e *Engine) slotOf(entry vmm.SwapEntry) (int, error) {
	slot := int(entry) - 1
	if entry == vmm.InvalidSwapEntry || slot >= len(e.used) || !e.used[slot] {
		return 0, errors.Wrapf(errUnknownEntry, "entry %d", entry)
	}
	return slot, nil
}

// freeSlot discards the record in slot and makes the slot available. The
// engine lock must be held.
func (e *Engine) freeSlot(slot int) {
	e.backing.Discard(slot)
	e.used[slot] = false
	e.freeSlots = append(e.freeSlots, slot)
}

// FaultIn implements vmm.Swapper. The entry is released once its contents
// have been copied into dst; on failure it stays allocated.
func (e *Engine) FaultIn(entry vmm.SwapEntry, dst []byte) error {
	e.lock.Acquire()
	slot, err := e.slotOf(entry)
	e.lock.Release()
	if err != nil {
		return err
	}

	record, err := e.backing.Read(slot)
	if err != nil {
		atomic.AddUint64(&e.stats.readFailures, 1)
		return errors.Wrapf(err, "swap entry %d", entry)
	}

	e.lock.Acquire()
	defer e.lock.Release()

	if err = e.codec.decode(record, dst); err != nil {
		atomic.AddUint64(&e.stats.readFailures, 1)
		return errors.Wrapf(err, "swap entry %d", entry)
	}

	e.freeSlot(slot)
	atomic.AddUint64(&e.stats.swapIns, 1)
	return nil
}

// Release implements vmm.Swapper.
func (e *Engine) Release(entry vmm.SwapEntry) {
	e.lock.Acquire()
	defer e.lock.Release()

	if slot, err := e.slotOf(entry); err == nil {
		e.freeSlot(slot)
	}
}

// Reclaim evicts up to target pages from every address space and returns
// the number of pages evicted. Candidates are ordered by the configured
// policy across address spaces. Busy address spaces are skipped. Passes
// do not overlap; a caller that arrives while a pass runs waits for it to
// finish before starting its own.
func (e *Engine) Reclaim(target int) int {
	if target <= 0 {
		return 0
	}

	e.beginPass()
	defer e.endPass()
	return e.reclaim(target)
}

// beginPass blocks until no other reclaim pass runs and marks a new pass
// as running.
func (e *Engine) beginPass() {
	for {
		e.passLock.Acquire()
		done := e.passDone
		if done == nil {
			e.passDone = make(chan struct{})
			e.passLock.Release()
			return
		}
		e.passLock.Release()

		atomic.AddUint64(&e.stats.reclaimWaits, 1)
		<-done
	}
}

func (e *Engine) endPass() {
	e.passLock.Acquire()
	done := e.passDone
	e.passDone = nil
	e.passLock.Release()
	close(done)
}

func (e *Engine) reclaim(target int) int {
	atomic.AddUint64(&e.stats.reclaimRuns, 1)

	var evicted int
	for _, page := range e.globalCandidates(target) {
		if evicted == target {
			break
		}

		if _, err := e.Evict(page); err != nil {
			if errors.Cause(err) == errRateLimited {
				break
			}
			log.Debugf("skipping page 0x%x of as %d: %v", page.Page.Address(), page.Space.ID(), err)
			continue
		}
		evicted++
	}

	atomic.AddUint64(&e.stats.reclaimed, uint64(evicted))
	if evicted > 0 {
		log.Debugf("reclaim pass evicted %d of %d requested pages", evicted, target)
	}
	return evicted
}

// ReclaimFrames adapts Reclaim to the frame allocator's reclaim hook.
func (e *Engine) ReclaimFrames(pages uint64) uint64 {
	return uint64(e.Reclaim(int(pages)))
}

// ReclaimToThreshold evicts pages until the number of resident pages drops
// to the threshold. It returns the number of pages evicted.
func (e *Engine) ReclaimToThreshold() int {
	threshold := e.Threshold()
	if threshold <= 0 {
		return 0
	}

	e.beginPass()
	defer e.endPass()

	var resident int
	for _, as := range e.reg.AddressSpaces() {
		resident += as.ResidentCount()
	}
	if resident <= threshold {
		return 0
	}
	return e.reclaim(resident - threshold)
}

// globalCandidates returns the candidates of every address space merged in
// policy order.
func (e *Engine) globalCandidates(count int) []vmm.ResidentPage {
	var (
		spaces     = e.reg.AddressSpaces()
		live       = make(map[uint32]struct{}, len(spaces))
		candidates []vmm.ResidentPage
	)
	for _, as := range spaces {
		live[as.ID()] = struct{}{}
		candidates = append(candidates, e.ScanCandidates(as, count)...)
	}

	e.lock.Acquire()
	defer e.lock.Release()

	e.selector.prune(live)
	switch e.selector.policy {
	case PolicyLRU:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].LastAccess < candidates[j].LastAccess })
	case PolicyFIFO:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Installed < candidates[j].Installed })
	case PolicyRandom:
		shuffle(e.selector.rnd, candidates)
	}
	return candidates
}

func shuffle(rnd *rand.Rand, pages []vmm.ResidentPage) {
	rnd.Shuffle(len(pages), func(i, j int) { pages[i], pages[j] = pages[j], pages[i] })
}

// Stats is a point-in-time view of the swap engine.
type Stats struct {
	Policy      string `json:"policy"`
	Compression string `json:"compression"`
	Prioritizer string `json:"prioritizer"`
	Threshold   int    `json:"threshold"`

	SwapOuts    uint64 `json:"swapOuts"`
	SwapIns     uint64 `json:"swapIns"`
	Compressed  uint64 `json:"compressed"`
	Raw         uint64 `json:"raw"`
	Fallbacks   uint64 `json:"fallbacks"`
	StoredBytes uint64 `json:"storedBytes"`

	Exempted      uint64 `json:"exempted"`
	EvictFailures uint64 `json:"evictFailures"`
	StoreFailures uint64 `json:"storeFailures"`
	ReadFailures  uint64 `json:"readFailures"`
	RateLimited   uint64 `json:"rateLimited"`
	ReclaimRuns   uint64 `json:"reclaimRuns"`
	ReclaimWaits  uint64 `json:"reclaimWaits"`
	Reclaimed     uint64 `json:"reclaimed"`

	SlotsUsed int `json:"slotsUsed"`
	Slots     int `json:"slots"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.lock.Acquire()
	stats := Stats{
		Policy:      e.selector.policy.String(),
		Compression: e.codec.algo.String(),
		SlotsUsed:   len(e.used) - len(e.freeSlots),
		Slots:       len(e.used),
	}
	e.lock.Release()

	stats.Prioritizer = e.prioritizer.String()
	stats.Threshold = e.Threshold()
	stats.SwapOuts = atomic.LoadUint64(&e.stats.swapOuts)
	stats.SwapIns = atomic.LoadUint64(&e.stats.swapIns)
	stats.Compressed = atomic.LoadUint64(&e.stats.compressed)
	stats.Raw = atomic.LoadUint64(&e.stats.raw)
	stats.Fallbacks = atomic.LoadUint64(&e.stats.fallbacks)
	stats.StoredBytes = atomic.LoadUint64(&e.stats.storedBytes)
	stats.Exempted = atomic.LoadUint64(&e.stats.exempted)
	stats.EvictFailures = atomic.LoadUint64(&e.stats.evictFailures)
	stats.StoreFailures = atomic.LoadUint64(&e.stats.storeFailures)
	stats.ReadFailures = atomic.LoadUint64(&e.stats.readFailures)
	stats.RateLimited = atomic.LoadUint64(&e.stats.rateLimited)
	stats.ReclaimRuns = atomic.LoadUint64(&e.stats.reclaimRuns)
	stats.ReclaimWaits = atomic.LoadUint64(&e.stats.reclaimWaits)
	stats.Reclaimed = atomic.LoadUint64(&e.stats.reclaimed)
	return stats
}
