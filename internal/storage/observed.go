package storage

import "github.com/funnyzak/mockproxy/pkg/record"

// LogObserver is told about every request log the store creates or completes.
type LogObserver interface {
	LogCreated(*record.RequestLog)
	LogUpdated(*record.RequestLog)
}

type observedStore struct {
	Store
	observer LogObserver
}

// WithObserver wraps a Store so that successful log writes reach observer.
// The observer receives its own copy of each record.
func WithObserver(store Store, observer LogObserver) Store {
	if observer == nil {
		return store
	}
	return &observedStore{Store: store, observer: observer}
}

func (s *observedStore) SaveRequestLog(entry *record.RequestLog) (*record.RequestLog, error) {
	saved, err := s.Store.SaveRequestLog(entry)
	if err != nil {
		return nil, err
	}
	s.observer.LogCreated(saved.Clone())
	return saved, nil
}

func (s *observedStore) CompleteRequestLog(id string, resp record.Response) (*record.RequestLog, error) {
	updated, err := s.Store.CompleteRequestLog(id, resp)
	if err != nil || updated == nil {
		return updated, err
	}
	s.observer.LogUpdated(updated.Clone())
	return updated, nil
}

type observerGroup []LogObserver

// Observers fans each notification out to every non-nil observer in order.
func Observers(observers ...LogObserver) LogObserver {
	var group observerGroup
	for _, obs := range observers {
		if obs != nil {
			group = append(group, obs)
		}
	}
	switch len(group) {
	case 0:
		return nil
	case 1:
		return group[0]
	}
	return group
}

func (g observerGroup) LogCreated(entry *record.RequestLog) {
	for _, obs := range g {
		obs.LogCreated(entry.Clone())
	}
}

func (g observerGroup) LogUpdated(entry *record.RequestLog) {
	for _, obs := range g {
		obs.LogUpdated(entry.Clone())
	}
}
