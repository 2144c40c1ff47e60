package jobs

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serializes writers per job ID without a mutex per key.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) forKey(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &l.stripes[h.Sum32()%lockStripes]
}
