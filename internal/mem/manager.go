// Package mem owns the physical page free list and each process's page
// table. Every physical page has at most one owning process; the only
// exception is the bounded window of an active borrow, during which the
// same page is visible to both lender and borrower until the borrower
// returns it.
package mem

import (
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// DefaultPages is the simulated physical memory size (16 MiB).
const DefaultPages = 4096

// physBase keeps simulated physical addresses disjoint from the virtual
// window so a confused caller faults instead of aliasing.
const physBase uintptr = 0x8000_0000

// virtBase is where each process's dynamic mappings start.
const virtBase uintptr = 0x2000_0000

type mapping struct {
	phys  uintptr
	flags xous.MemoryFlags
}

type addressSpace struct {
	next uintptr
	maps map[uintptr]mapping
}

type pageState struct {
	owner    xous.PID
	lends    int
	mutable  bool // an active lend is writable
	backing  []byte
	isDevice bool
}

// Manager is the physical memory allocator and per-process page table.
// It is not internally locked: all mutation happens under the kernel's
// dispatch lock, matching the single-owner table discipline.
type Manager struct {
	total  int
	free   []uintptr
	pages  map[uintptr]*pageState
	spaces map[xous.PID]*addressSpace
}

// NewManager creates a manager with n simulated physical pages.
func NewManager(n int) *Manager {
	if n <= 0 {
		n = DefaultPages
	}
	m := &Manager{
		total:  n,
		pages:  make(map[uintptr]*pageState, n),
		spaces: make(map[xous.PID]*addressSpace),
	}
	m.free = make([]uintptr, 0, n)
	for i := n - 1; i >= 0; i-- {
		m.free = append(m.free, physBase+uintptr(i)*xous.PageSize)
	}
	return m
}

// RoundUp rounds a byte count up to a whole number of pages. All
// memory-message payloads pass through this before mapping.
func RoundUp(size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	return (size + xous.PageSize - 1) &^ (xous.PageSize - 1)
}

// CreateSpace initializes the page table for a new process.
func (m *Manager) CreateSpace(pid xous.PID) {
	if _, ok := m.spaces[pid]; ok {
		panic("mem: address space already exists for " + pid.String())
	}
	m.spaces[pid] = &addressSpace{next: virtBase, maps: make(map[uintptr]mapping)}
}

// DestroySpace tears down a process's page table, returning every owned
// page to the free list. Pages the process still has lent out are
// reclaimed too: by the time this is called the kernel has already
// released every borrower.
func (m *Manager) DestroySpace(pid xous.PID) {
	space, ok := m.spaces[pid]
	if !ok {
		return
	}
	for _, mp := range space.maps {
		st := m.pages[mp.phys]
		if st == nil {
			continue
		}
		if st.owner == pid {
			st.owner = xous.NoPID
			st.lends = 0
			st.backing = nil
			if !st.isDevice {
				m.free = append(m.free, mp.phys)
				delete(m.pages, mp.phys)
			}
		}
	}
	delete(m.spaces, pid)
}

// FreePages reports how many physical pages remain unallocated.
func (m *Manager) FreePages() int { return len(m.free) }

// TotalPages reports the size of the physical page pool.
func (m *Manager) TotalPages() int { return m.total }

// OwnedPages reports how many pages a process currently owns.
func (m *Manager) OwnedPages(pid xous.PID) int {
	n := 0
	for _, st := range m.pages {
		if st.owner == pid {
			n++
		}
	}
	return n
}

// LentPages reports how many of a process's pages are out on loan.
func (m *Manager) LentPages(pid xous.PID) int {
	n := 0
	for _, st := range m.pages {
		if st.owner == pid && st.lends > 0 {
			n++
		}
	}
	return n
}

func (m *Manager) space(pid xous.PID) (*addressSpace, error) {
	space, ok := m.spaces[pid]
	if !ok {
		return nil, xous.ProcessNotFound
	}
	return space, nil
}

func (m *Manager) allocVirt(space *addressSpace, size uintptr) uintptr {
	addr := space.next
	space.next += size
	return addr
}

// MapMemory maps physical pages into a process's address space. A zero
// phys allocates fresh pages from the free list and records pid as their
// owner; a nonzero phys establishes a device mapping with no ownership
// claim. A zero virt picks the next free window.
func (m *Manager) MapMemory(phys, virt, size uintptr, pid xous.PID, flags xous.MemoryFlags) (xous.MemoryRange, error) {
	if size == 0 || size%xous.PageSize != 0 || phys%xous.PageSize != 0 || virt%xous.PageSize != 0 {
		return xous.MemoryRange{}, xous.BadAlignment
	}
	space, err := m.space(pid)
	if err != nil {
		return xous.MemoryRange{}, err
	}

	pages := int(size / xous.PageSize)
	if phys == 0 && pages > len(m.free) {
		return xous.MemoryRange{}, xous.OutOfMemory
	}
	if virt == 0 {
		virt = m.allocVirt(space, size)
	}
	for i := 0; i < pages; i++ {
		if _, busy := space.maps[virt+uintptr(i)*xous.PageSize]; busy {
			return xous.MemoryRange{}, xous.BadAddress
		}
	}

	for i := 0; i < pages; i++ {
		va := virt + uintptr(i)*xous.PageSize
		var pa uintptr
		if phys == 0 {
			pa = m.free[len(m.free)-1]
			m.free = m.free[:len(m.free)-1]
			m.pages[pa] = &pageState{owner: pid, backing: make([]byte, xous.PageSize)}
		} else {
			pa = phys + uintptr(i)*xous.PageSize
			if _, ok := m.pages[pa]; !ok {
				m.pages[pa] = &pageState{backing: make([]byte, xous.PageSize), isDevice: true}
			}
		}
		space.maps[va] = mapping{phys: pa, flags: flags}
	}
	return xous.MemoryRange{Addr: virt, Size: size}, nil
}

// UnmapMemory releases a mapping. Owned pages go back to the free list;
// a page that is still lent out cannot be unmapped (MemoryInUse), and a
// process may not release the physical backing of a page it does not
// own (AccessDenied).
func (m *Manager) UnmapMemory(pid xous.PID, r xous.MemoryRange) error {
	if !r.IsAligned() {
		return xous.BadAlignment
	}
	space, err := m.space(pid)
	if err != nil {
		return err
	}
	// Validate the whole range before touching anything.
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp, ok := space.maps[va]
		if !ok {
			return xous.BadAddress
		}
		st := m.pages[mp.phys]
		if st == nil {
			continue
		}
		if st.owner != xous.NoPID && st.owner != pid {
			return xous.AccessDenied
		}
		if st.owner == pid && st.lends > 0 {
			return xous.MemoryInUse
		}
	}
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp := space.maps[va]
		delete(space.maps, va)
		st := m.pages[mp.phys]
		if st != nil && st.owner == pid && !st.isDevice {
			delete(m.pages, mp.phys)
			m.free = append(m.free, mp.phys)
		}
	}
	return nil
}

// Lend maps src's pages into dst for the duration of a borrow. The
// lender keeps ownership; a writable lend is exclusive, while read-only
// lends may stack. Returns the borrower-side range.
func (m *Manager) Lend(src, dst xous.PID, r xous.MemoryRange, writable bool) (xous.MemoryRange, error) {
	if !r.IsAligned() {
		return xous.MemoryRange{}, xous.BadAlignment
	}
	srcSpace, err := m.space(src)
	if err != nil {
		return xous.MemoryRange{}, err
	}
	dstSpace, err := m.space(dst)
	if err != nil {
		return xous.MemoryRange{}, err
	}

	phys := make([]uintptr, 0, r.Pages())
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp, ok := srcSpace.maps[va]
		if !ok {
			return xous.MemoryRange{}, xous.BadAddress
		}
		st := m.pages[mp.phys]
		if st == nil || st.owner != src {
			return xous.MemoryRange{}, xous.AccessDenied
		}
		if st.mutable || (writable && st.lends > 0) {
			return xous.MemoryRange{}, xous.ShareViolation
		}
		phys = append(phys, mp.phys)
	}

	flags := xous.MemFlagRead
	if writable {
		flags |= xous.MemFlagWrite
	}
	dstVirt := m.allocVirt(dstSpace, r.Size)
	for i, pa := range phys {
		st := m.pages[pa]
		st.lends++
		st.mutable = writable
		dstSpace.maps[dstVirt+uintptr(i)*xous.PageSize] = mapping{phys: pa, flags: flags}
	}
	return xous.MemoryRange{Addr: dstVirt, Size: r.Size}, nil
}

// ReturnLend unmaps a borrowed range from the borrower exactly once.
// Returning a range that is not an active borrow is a DoubleFree.
func (m *Manager) ReturnLend(dst xous.PID, r xous.MemoryRange) error {
	if !r.IsAligned() {
		return xous.BadAlignment
	}
	dstSpace, err := m.space(dst)
	if err != nil {
		return err
	}
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp, ok := dstSpace.maps[va]
		if !ok {
			return xous.BadAddress
		}
		st := m.pages[mp.phys]
		if st == nil || st.lends == 0 {
			return xous.DoubleFree
		}
	}
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp := dstSpace.maps[va]
		delete(dstSpace.maps, va)
		st := m.pages[mp.phys]
		st.lends--
		if st.lends == 0 {
			st.mutable = false
		}
	}
	return nil
}

// Move permanently transfers ownership of src's pages to dst. The
// source mapping is torn down as part of the transfer, so the pages are
// never visible in both address spaces.
func (m *Manager) Move(src, dst xous.PID, r xous.MemoryRange) (xous.MemoryRange, error) {
	if !r.IsAligned() {
		return xous.MemoryRange{}, xous.BadAlignment
	}
	srcSpace, err := m.space(src)
	if err != nil {
		return xous.MemoryRange{}, err
	}
	dstSpace, err := m.space(dst)
	if err != nil {
		return xous.MemoryRange{}, err
	}

	phys := make([]uintptr, 0, r.Pages())
	for i := 0; i < r.Pages(); i++ {
		va := r.Addr + uintptr(i)*xous.PageSize
		mp, ok := srcSpace.maps[va]
		if !ok {
			return xous.MemoryRange{}, xous.BadAddress
		}
		st := m.pages[mp.phys]
		if st == nil || st.owner != src {
			return xous.MemoryRange{}, xous.AccessDenied
		}
		if st.lends > 0 {
			return xous.MemoryRange{}, xous.MemoryInUse
		}
		phys = append(phys, mp.phys)
	}

	dstVirt := m.allocVirt(dstSpace, r.Size)
	for i, pa := range phys {
		va := r.Addr + uintptr(i)*xous.PageSize
		delete(srcSpace.maps, va)
		m.pages[pa].owner = dst
		dstSpace.maps[dstVirt+uintptr(i)*xous.PageSize] = mapping{
			phys:  pa,
			flags: xous.MemFlagRead | xous.MemFlagWrite,
		}
	}
	return xous.MemoryRange{Addr: dstVirt, Size: r.Size}, nil
}

// Mapped reports whether a virtual address is mapped for the process.
func (m *Manager) Mapped(pid xous.PID, addr uintptr) bool {
	space, ok := m.spaces[pid]
	if !ok {
		return false
	}
	_, ok = space.maps[addr&^uintptr(xous.PageSize-1)]
	return ok
}

// ReadBytes copies out of a process's mapping, faulting with BadAddress
// on any unmapped page.
func (m *Manager) ReadBytes(pid xous.PID, addr, size uintptr) ([]byte, error) {
	space, err := m.space(pid)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	for size > 0 {
		page := addr &^ uintptr(xous.PageSize-1)
		mp, ok := space.maps[page]
		if !ok {
			return nil, xous.BadAddress
		}
		off := addr - page
		n := uintptr(xous.PageSize) - off
		if n > size {
			n = size
		}
		out = append(out, m.pages[mp.phys].backing[off:off+n]...)
		addr += n
		size -= n
	}
	return out, nil
}

// WriteBytes copies into a process's mapping, honoring write protection:
// writing through a read-only view (an immutable borrow) faults.
func (m *Manager) WriteBytes(pid xous.PID, addr uintptr, data []byte) error {
	space, err := m.space(pid)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		page := addr &^ uintptr(xous.PageSize-1)
		mp, ok := space.maps[page]
		if !ok {
			return xous.BadAddress
		}
		if mp.flags&xous.MemFlagWrite == 0 {
			return xous.AccessDenied
		}
		off := addr - page
		n := uintptr(xous.PageSize) - off
		if n > uintptr(len(data)) {
			n = uintptr(len(data))
		}
		copy(m.pages[mp.phys].backing[off:off+n], data[:n])
		addr += n
		data = data[n:]
	}
	return nil
}
