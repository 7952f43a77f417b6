package event

import "sync"

// snowflakeEventDispatcher is a simple fan-out SnowflakeEventDispatcher.
// Listener notification is synchronous and unordered; OnNewSnowflakeEvent
// implementations must not block.
type snowflakeEventDispatcher struct {
	lock      sync.RWMutex
	receivers []SnowflakeEventReceiver
}

// NewSnowflakeEventDispatcher returns a ready-to-use SnowflakeEventDispatcher
// with no listeners attached.
func NewSnowflakeEventDispatcher() SnowflakeEventDispatcher {
	return &snowflakeEventDispatcher{}
}

func (d *snowflakeEventDispatcher) OnNewSnowflakeEvent(e SnowflakeEvent) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, r := range d.receivers {
		r.OnNewSnowflakeEvent(e)
	}
}

func (d *snowflakeEventDispatcher) AddSnowflakeEventListener(r SnowflakeEventReceiver) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.receivers = append(d.receivers, r)
}

func (d *snowflakeEventDispatcher) RemoveSnowflakeEventListener(r SnowflakeEventReceiver) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i, existing := range d.receivers {
		if existing == r {
			d.receivers = append(d.receivers[:i], d.receivers[i+1:]...)
			return
		}
	}
}
