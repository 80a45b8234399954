package normalize

// ringDepth is the look-back window for multi-line coalescing. Syslog
// continuations that share a pid land within a handful of lines of
// each other, so a small fixed ring is enough.
const ringDepth = 6

type entry struct {
	process   string
	pid       int
	ip        string
	remainder string
}

// ring is a fixed-size buffer of the most recent normalized entries.
type ring struct {
	slots [ringDepth]entry
	used  [ringDepth]bool
	next  int
}

func (r *ring) push(e entry) {
	r.slots[r.next] = e
	r.used[r.next] = true
	r.next = (r.next + 1) % ringDepth
}

// collect returns all entries matching (process, pid) in chronological
// order, oldest first.
func (r *ring) collect(process string, pid int) []entry {
	var out []entry
	for i := 0; i < ringDepth; i++ {
		idx := (r.next + i) % ringDepth
		if !r.used[idx] {
			continue
		}
		e := r.slots[idx]
		if e.pid == pid && e.process == process {
			out = append(out, e)
		}
	}
	return out
}
