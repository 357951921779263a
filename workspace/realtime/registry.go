package realtime

import (
	"sync"

	"collabspace/workspace/collection"
)

// Registry tracks one connection's logical subscriptions. A single logical
// subscription ("everything under room X") fans out to several collection
// handles; the registry holds their cancel capabilities so unsubscribe and
// connection close tear down every underlying listener. A leaked handle
// would be a permanent collection-level listener.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]collection.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]collection.CancelFunc)}
}

func (r *Registry) Add(subId string, cancels ...collection.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[subId] = append(r.subs[subId], cancels...)
}

// Delete tears down one logical subscription. Unknown ids and repeated
// deletes are no-ops.
func (r *Registry) Delete(subId string) {
	r.mu.Lock()
	cancels := r.subs[subId]
	delete(r.subs, subId)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Close tears down every subscription; called when the connection goes away.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.subs
	r.subs = make(map[string][]collection.CancelFunc)
	r.mu.Unlock()

	for _, cancels := range all {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
