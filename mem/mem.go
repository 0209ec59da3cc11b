package mem

import "sync"

import "github.com/andrewimm/idos-nx/defs"
import "github.com/andrewimm/idos-nx/limits"

const (
	PGSIZE   = 0x1000
	PGSHIFT  = 12
	PGOFFSET = PGSIZE - 1
	PGMASK   = ^uint32(PGOFFSET)

	// the kernel's code/data/heap mappings occupy the upper range and are
	// identical in every space; user mappings must stay below.
	USERMAX = 0xc0000000
)

// Pa_t is the physical base address of a frame.
type Pa_t uint32

// Va_t is a task virtual address.
type Va_t uint32

func (va Va_t) Pgbase() Va_t {
	return Va_t(uint32(va) & PGMASK)
}

func (va Va_t) Pgoff() uint32 {
	return uint32(va) & PGOFFSET
}

// Pgcount returns the number of pages spanned by [va, va+len).
func Pgcount(va Va_t, length int) int {
	if length <= 0 {
		return 0
	}
	start := uint32(va) & PGMASK
	end := (uint32(va) + uint32(length) + PGOFFSET) & PGMASK
	return int((end - start) >> PGSHIFT)
}

type Pg_t [PGSIZE]uint8

// Physmem_t is the arena of physical frames backing all task mappings.
// frames are reference counted so a frame shared across spaces by a grant
// is only reclaimed when the last mapping goes away.
type Physmem_t struct {
	sync.Mutex
	frames map[Pa_t]*frame_t
	freesz int
	nextpa Pa_t
}

type frame_t struct {
	pg   *Pg_t
	refs int
}

func Mkphysmem() *Physmem_t {
	return &Physmem_t{
		frames: make(map[Pa_t]*frame_t),
		freesz: limits.Syslimit.Frames,
		nextpa: PGSIZE,
	}
}

// Refpg_new allocates a zeroed frame with an initial refcount of 1.
func (pm *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pm.Lock()
	defer pm.Unlock()
	if pm.freesz == 0 {
		return nil, 0, false
	}
	pm.freesz--
	pa := pm.nextpa
	pm.nextpa += PGSIZE
	f := &frame_t{pg: new(Pg_t), refs: 1}
	pm.frames[pa] = f
	return f.pg, pa, true
}

func (pm *Physmem_t) Refup(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	f, ok := pm.frames[pa]
	if !ok {
		panic("refup of free frame")
	}
	f.refs++
}

func (pm *Physmem_t) Refdown(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	f, ok := pm.frames[pa]
	if !ok {
		panic("refdown of free frame")
	}
	f.refs--
	if f.refs < 0 {
		panic("neg frame ref")
	}
	if f.refs == 0 {
		delete(pm.frames, pa)
		pm.freesz++
	}
}

// Dmap returns the frame contents for a physical address. the returned page
// is the live backing store, not a copy.
func (pm *Physmem_t) Dmap(pa Pa_t) (*Pg_t, defs.Err_t) {
	pm.Lock()
	defer pm.Unlock()
	f, ok := pm.frames[pa&Pa_t(PGMASK)]
	if !ok {
		return nil, -defs.EFAULT
	}
	return f.pg, 0
}

// Loadw reads the 32-bit little-endian word at a physical address. word
// accesses never cross a page boundary; the signal and return-value fields
// of op records are naturally aligned.
func (pm *Physmem_t) Loadw(pa Pa_t) (uint32, defs.Err_t) {
	pg, err := pm.Dmap(pa)
	if err != 0 {
		return 0, err
	}
	off := uint32(pa) & PGOFFSET
	if off > PGSIZE-4 {
		return 0, -defs.EINVAL
	}
	pm.Lock()
	defer pm.Unlock()
	v := uint32(pg[off]) | uint32(pg[off+1])<<8 | uint32(pg[off+2])<<16 |
		uint32(pg[off+3])<<24
	return v, 0
}

func (pm *Physmem_t) Storew(pa Pa_t, v uint32) defs.Err_t {
	pg, err := pm.Dmap(pa)
	if err != 0 {
		return err
	}
	off := uint32(pa) & PGOFFSET
	if off > PGSIZE-4 {
		return -defs.EINVAL
	}
	pm.Lock()
	defer pm.Unlock()
	pg[off] = uint8(v)
	pg[off+1] = uint8(v >> 8)
	pg[off+2] = uint8(v >> 16)
	pg[off+3] = uint8(v >> 24)
	return 0
}
