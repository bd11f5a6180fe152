package kernel

// pidCell is one identifier slot. Cells are never discarded while their
// scope lives, except through pidCompact.
type pidCell struct {
	pid  int
	used bool
}

// pidSet is the allocator state for one scope (global, or one
// container). Guarded by the kernel's single pid lock.
type pidSet struct {
	cells []*pidCell
	next  int // next identifier value handed to grow
}

const pidGrowChunk = 10

func (s *pidSet) grow() {
	for i := 0; i < pidGrowChunk; i++ {
		s.cells = append(s.cells, &pidCell{pid: s.next})
		s.next++
	}
}

// pidGet allocates an identifier in the given container's scope, or the
// global scope when c is nil. The cell list grows lazily on exhaustion.
func (k *Kernel) pidGet(c *Container) int {
	k.pidMu.Lock()
	defer k.pidMu.Unlock()
	s := k.pidScope(c)
	for {
		for _, cell := range s.cells {
			if !cell.used {
				cell.used = true
				return cell.pid
			}
		}
		s.grow()
	}
}

// pidRelease frees an identifier and moves its cell to the front so the
// next allocation reuses it.
func (k *Kernel) pidRelease(c *Container, id int) {
	k.pidMu.Lock()
	defer k.pidMu.Unlock()
	s := k.pidScope(c)
	for i, cell := range s.cells {
		if cell.pid == id {
			cell.used = false
			copy(s.cells[1:i+1], s.cells[:i])
			s.cells[0] = cell
			return
		}
	}
}

// pidCompact drops every free cell of a container scope. Called when
// the container is destroyed.
func (k *Kernel) pidCompact(c *Container) {
	if c == nil {
		panic("kernel: pid compact on the global scope")
	}
	k.pidMu.Lock()
	defer k.pidMu.Unlock()
	s := &c.pids
	kept := s.cells[:0]
	for _, cell := range s.cells {
		if cell.used {
			kept = append(kept, cell)
		}
	}
	s.cells = kept
}

func (k *Kernel) pidScope(c *Container) *pidSet {
	if c == nil {
		return &k.globalPIDs
	}
	return &c.pids
}

// FreePIDCells reports, for tests and the CLI, how many cells exist and
// how many are in use in the global scope.
func (k *Kernel) FreePIDCells() (total, used int) {
	k.pidMu.Lock()
	defer k.pidMu.Unlock()
	for _, cell := range k.globalPIDs.cells {
		if cell.used {
			used++
		}
	}
	return len(k.globalPIDs.cells), used
}
