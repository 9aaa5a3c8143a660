package syncmaster

import (
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/meshvault/meshvault/internal/packet"
	"github.com/meshvault/meshvault/pkg/errors"
)

// pullJob builds one pull response in the background, the way the
// original's _Pull spawns a coroutine writing into a cached temp file so
// concurrent requests for the same cookie share one build. Go goroutines
// aren't preemptible the way the original's coroutines are killable
// mid-build: a job that's evicted from the cache while still running is
// simply left to finish and its result file is removed on completion,
// instead of being cancelled outright.
type pullJob struct {
	path        string
	contentType string

	mu       sync.Mutex
	cookie   cookie
	err      error
	done     chan struct{}
	unlinked bool
	started  time.Time
}

// buildFunc drains as much of ck as fits into w, mutating ck in place to
// reflect what's left unsent (e.g. after a DiskFull partial write).
type buildFunc func(ck cookie, w *packet.Writer) error

func newPullJob(path string, ck cookie, header map[string]interface{}, build buildFunc) *pullJob {
	j := &pullJob{path: path, cookie: ck, done: make(chan struct{}), started: time.Now()}
	go j.run(header, build)
	return j
}

func (j *pullJob) run(header map[string]interface{}, build buildFunc) {
	defer close(j.done)

	f, err := os.Create(j.path)
	if err != nil {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		return
	}
	w, err := packet.NewWriter(f, packet.CompressionGzip, 0, 0, header)
	if err != nil {
		f.Close()
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		return
	}
	j.contentType = "application/octet-stream"

	buildErr := build(j.cookie, w)

	j.mu.Lock()
	defer j.mu.Unlock()
	if buildErr != nil {
		appErr, ok := buildErr.(*errors.Error)
		if !ok || appErr.Code != errors.ErrCodeDiskFull {
			j.err = buildErr
		}
		// DiskFull: keep whatever build() already wrote and the partial
		// cookie it left behind, exactly like the original swallowing
		// DiskFull inside _Pull._pull.
	} else {
		j.cookie = newCookie()
	}

	w.Close()
	f.Close()
	if j.unlinked {
		os.Remove(j.path)
	}
}

func (j *pullJob) ready() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *pullJob) secondsRemained(timeout time.Duration) int {
	left := timeout - time.Since(j.started)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

func (j *pullJob) result() (cookie, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cookie, j.err
}

func (j *pullJob) length() int64 {
	info, err := os.Stat(j.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (j *pullJob) open() (*os.File, error) {
	return os.Open(j.path)
}

// unlink removes the job's backing file once it finishes, or marks it
// for removal if it's still running.
func (j *pullJob) unlink() {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.done:
		os.Remove(j.path)
	default:
		j.unlinked = true
	}
}

// pullCache is a capacity-bounded, callback-eviction LRU keyed by pull
// cookie hash, grounded on internal/cache/lru.go's container/list
// eviction-list shape but simplified to a plain key→job cache (no
// byte-weighted eviction, since pull jobs are evicted by count, not
// size, the way pylru.lrucache is used in the original).
type pullCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type pullCacheEntry struct {
	key string
	job *pullJob
}

func newPullCache(capacity int) *pullCache {
	return &pullCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *pullCache) get(key string) (*pullJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*pullCacheEntry).job, true
}

func (c *pullCache) put(key string, job *pullJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*pullCacheEntry).job.unlink()
		el.Value = &pullCacheEntry{key: key, job: job}
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&pullCacheEntry{key: key, job: job})
	c.items[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*pullCacheEntry)
		entry.job.unlink()
		delete(c.items, entry.key)
		c.order.Remove(oldest)
	}
}

// remove drops key from the cache and unlinks its job, used when a
// cached pull turns out to be smaller than the caller's accept_length.
func (c *pullCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return
	}
	el.Value.(*pullCacheEntry).job.unlink()
	delete(c.items, key)
	c.order.Remove(el)
}
