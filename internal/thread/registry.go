package thread

import "sync"

// table is the process-wide set of live threads, keyed by id, so that
// diagnostic and registry code can enumerate running threads without each
// caller threading a reference through manually.
var table = struct {
	mu      sync.Mutex
	threads map[uint64]*Thread
}{threads: make(map[uint64]*Thread)}

func register(th *Thread) {
	table.mu.Lock()
	table.threads[th.id] = th
	table.mu.Unlock()
}

func unregister(id uint64) {
	table.mu.Lock()
	delete(table.threads, id)
	table.mu.Unlock()
}

// Lookup returns the live thread with the given id, if any.
func Lookup(id uint64) (*Thread, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	th, ok := table.threads[id]
	return th, ok
}

// List returns a snapshot of all currently registered threads.
func List() []*Thread {
	table.mu.Lock()
	defer table.mu.Unlock()
	out := make([]*Thread, 0, len(table.threads))
	for _, th := range table.threads {
		out = append(out, th)
	}
	return out
}
