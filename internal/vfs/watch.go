package vfs

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// HostWatcher reports changes below a HostFS root through fsnotify, with
// event paths translated back to kernel paths.
type HostWatcher struct {
	host *HostFS
	w    *fsnotify.Watcher
	evC  chan Event
	erC  chan error
}

// NewHostWatcher watches the root directory of host.
func NewHostWatcher(host *HostFS) (*HostWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(host.Root()); err != nil {
		w.Close()
		return nil, err
	}
	hw := &HostWatcher{host: host, w: w, evC: make(chan Event, 128), erC: make(chan error, 1)}
	go hw.loop()
	return hw, nil
}

func (hw *HostWatcher) loop() {
	defer close(hw.evC)
	for {
		select {
		case ev, ok := <-hw.w.Events:
			if !ok {
				return
			}
			name, ok := hw.host.KernelPath(ev.Name)
			if !ok {
				continue
			}
			hw.evC <- Event{Path: name, Op: translateOp(ev.Op), Time: time.Now()}
		case err, ok := <-hw.w.Errors:
			if !ok {
				return
			}
			select {
			case hw.erC <- err:
			default:
			}
		}
	}
}

func translateOp(o fsnotify.Op) WatchOp {
	var op WatchOp
	if o.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if o.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if o.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if o.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if o.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

func (hw *HostWatcher) Events() <-chan Event { return hw.evC }
func (hw *HostWatcher) Errors() <-chan error { return hw.erC }

// Add watches another kernel directory of the host filesystem.
func (hw *HostWatcher) Add(name string) error { return hw.w.Add(hw.host.HostPath(name)) }
func (hw *HostWatcher) Close() error          { return hw.w.Close() }
