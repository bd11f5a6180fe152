package kernel

// ShareMeter samples how the scheduler divides CPU time across a set
// of containers. Each Tick reads the containers' aggregated virtual
// runtimes, attributes the deltas since the previous tick, and updates
// running averages; call it on a steady interval while a workload runs.
type ShareMeter struct {
	k          *Kernel
	containers []*Container

	last  []int64
	count int
	sums  []float64
}

// NewShareMeter starts measuring from the containers' current state.
func NewShareMeter(k *Kernel, containers ...*Container) *ShareMeter {
	m := &ShareMeter{
		k:          k,
		containers: containers,
		last:       make([]int64, len(containers)),
		sums:       make([]float64, len(containers)),
	}
	for i, c := range containers {
		m.last[i] = k.VRuntimeOf(c)
	}
	return m
}

// Tick returns each container's share of the CPU time consumed by the
// group since the previous tick, in [0,1], and folds it into the
// averages. A tick with no progress anywhere returns zeros and does
// not count.
func (m *ShareMeter) Tick() []float64 {
	shares := make([]float64, len(m.containers))
	deltas := make([]int64, len(m.containers))
	var total int64
	for i, c := range m.containers {
		v := m.k.VRuntimeOf(c)
		deltas[i] = v - m.last[i]
		m.last[i] = v
		total += deltas[i]
	}
	if total <= 0 {
		return shares
	}
	for i, d := range deltas {
		shares[i] = float64(d) / float64(total)
		m.sums[i] += shares[i]
	}
	m.count++
	return shares
}

// Averages returns the mean share per container over all counted
// ticks.
func (m *ShareMeter) Averages() []float64 {
	out := make([]float64, len(m.containers))
	if m.count == 0 {
		return out
	}
	for i, s := range m.sums {
		out[i] = s / float64(m.count)
	}
	return out
}
