package resolver

// maxIteratorWindow caps the number of servers considered per
// referral, mitigating NXNSAttack-style referral amplification.
const maxIteratorWindow = 16

// NameServerIterator yields name-server selections from a Frame's
// NameServers list, batching contiguous resolved entries and stopping
// at the first unresolved one so the driver can arrange glue
// resolution before continuing.
type NameServerIterator struct {
	servers []NameServerAddress
	index   int
	window  int
}

// NewNameServerIterator builds an iterator over f's NameServers,
// starting at its current NameServerIndex.
func NewNameServerIterator(f *Frame) *NameServerIterator {
	window := len(f.NameServers)
	if window > maxIteratorWindow {
		window = maxIteratorWindow
	}
	return &NameServerIterator{
		servers: f.NameServers,
		index:   f.NameServerIndex,
		window:  window,
	}
}

// HasMore reports whether any server remains to be tried within the
// windowed range.
func (it *NameServerIterator) HasMore() bool {
	return it.index < it.window && it.index < len(it.servers)
}

// SelectNextBatch collects contiguous resolved entries starting at the
// current index; if none are resolved, it returns the single
// unresolved entry at the current index so the caller can arrange
// glue resolution.
func (it *NameServerIterator) SelectNextBatch() NameServerSelection {
	if !it.HasMore() {
		return NameServerSelection{}
	}

	if !it.servers[it.index].Resolved() {
		unresolved := it.servers[it.index]
		return NameServerSelection{Unresolved: &unresolved}
	}

	start := it.index
	end := start
	limit := it.window
	if limit > len(it.servers) {
		limit = len(it.servers)
	}
	for end < limit && it.servers[end].Resolved() {
		end++
	}

	batch := make([]NameServerAddress, end-start)
	copy(batch, it.servers[start:end])
	return NameServerSelection{Batch: batch}
}

// MoveNext advances the index past the most recently selected batch
// (or unresolved entry) so the next call to SelectNextBatch points at
// the next untried server.
func (it *NameServerIterator) MoveNext(sel NameServerSelection) {
	if sel.Unresolved != nil {
		it.index++
		return
	}
	it.index += len(sel.Batch)
}

// RewindToCurrent resets the iterator back to its starting index,
// used when retrying the same server after a QNAME-minimization
// toggle.
func (it *NameServerIterator) RewindToCurrent(f *Frame) {
	it.index = f.NameServerIndex
}

// Index returns the iterator's current position, to be written back
// onto the Frame.
func (it *NameServerIterator) Index() int { return it.index }
