package feedsync

import (
	"sync"
	"time"
)

// makes a copy of the list on get so callbacks can be invoked without
// holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, otherId := range self.callbackIds {
		if otherId == callbackId {
			self.callbackIds = append(self.callbackIds[0:i], self.callbackIds[i+1:]...)
			break
		}
	}
	delete(self.callbacks, callbackId)
}

// Get returns the callbacks in add order.
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// Reconnect spaces connection attempts at least `timeout` apart, measured
// from creation so connect time counts against the wait.
type Reconnect struct {
	deadline time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		deadline: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := time.Until(self.deadline)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
