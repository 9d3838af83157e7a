package link

import (
	"sync"

	"golang.org/x/exp/maps"
)

// per-feature active flags for diagnostics and the ui
type StatusRegistry struct {
	mutex  sync.Mutex
	active map[string]bool

	callbacks *CallbackList[StatusFunc]
}

type StatusFunc func(feature string, active bool)

func NewStatusRegistry() *StatusRegistry {
	return &StatusRegistry{
		active:    map[string]bool{},
		callbacks: NewCallbackList[StatusFunc](),
	}
}

func (self *StatusRegistry) SetActive(feature string, active bool) {
	self.mutex.Lock()
	changed := self.active[feature] != active
	self.active[feature] = active
	self.mutex.Unlock()

	if changed {
		for _, callback := range self.callbacks.Get() {
			func() {
				defer recoverLog("[status]")
				callback(feature, active)
			}()
		}
	}
}

func (self *StatusRegistry) Status() map[string]bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	status := map[string]bool{}
	maps.Copy(status, self.active)
	return status
}

func (self *StatusRegistry) AddStatusCallback(callback StatusFunc) func() {
	return self.callbacks.Add(callback)
}
