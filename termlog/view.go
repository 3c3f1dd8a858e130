package termlog

// ViewFunc folds the entry prefix into a derived value. It must be a pure
// function of the entries and must not call back into the log.
type ViewFunc func(entries []*Entry) any

type view struct {
	fn    ViewFunc
	value any
	dirty bool
}

// RegisterView installs a named derived view. The cached value is recomputed
// lazily on the next View call after any mutation; invalidation rides the
// same notification pass as every other subscriber.
func (l *Log) RegisterView(name string, fn ViewFunc) {
	l.mu.Lock()
	l.views[name] = &view{fn: fn, dirty: true}
	l.mu.Unlock()
}

// View returns the current value of a registered view, recomputing it from
// the full entry prefix when stale. Unknown names return nil.
func (l *Log) View(name string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.views[name]
	if v == nil {
		return nil
	}
	if v.dirty {
		snapshot := make([]*Entry, 0, len(l.entries))
		for _, e := range l.entries {
			snapshot = append(snapshot, e.clone())
		}
		v.value = v.fn(snapshot)
		v.dirty = false
	}
	return v.value
}
