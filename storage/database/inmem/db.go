package inmemdb

import (
	"sync"

	"github.com/kmutati/jamii/core/cache"
	"github.com/kmutati/jamii/core/notification"
	"github.com/kmutati/jamii/core/push"
)

type (
	notificationTable struct {
		mutex sync.RWMutex
		table map[string]*notification.Notification
	}

	subscriptionTable struct {
		mutex sync.RWMutex
		table map[string]*push.Subscription // keyed by user id
	}

	generation struct {
		meta    cache.Generation
		entries map[cache.Key]cache.Entry
	}

	cacheTable struct {
		mutex       sync.RWMutex
		generations map[int]*generation
		nextVersion int
		liveVersion int // 0 = none live
	}

	DB struct {
		notification *notificationTable
		subscription *subscriptionTable
		cache        *cacheTable
	}
)

func Open() *DB {
	return &DB{
		notification: &notificationTable{table: make(map[string]*notification.Notification)},
		subscription: &subscriptionTable{table: make(map[string]*push.Subscription)},
		cache:        &cacheTable{generations: make(map[int]*generation)},
	}
}
