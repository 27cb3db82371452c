package timer

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// DefaultPoolSize bounds the number of live timers.
const DefaultPoolSize = 1024

// IDPool hands out ids in [1, size] picked at random from the free list.
// Released ids go back to the free list and may be handed out again.
type IDPool struct {
	mu    sync.Mutex
	free  []int
	inUse map[int]struct{}
	size  int
}

// NewIDPool creates a pool of size ids.
func NewIDPool(size int) *IDPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	free := make([]int, size)
	for i := range free {
		free[i] = i + 1
	}
	return &IDPool{free: free, inUse: make(map[int]struct{}, size), size: size}
}

// Acquire removes a random id from the free list.
func (p *IDPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, domain.NewDomainError("timer.Acquire", domain.ErrLimitReached,
			fmt.Sprintf("all %d timer ids in use", p.size))
	}
	i := rand.IntN(len(p.free))
	id := p.free[i]
	last := len(p.free) - 1
	p.free[i] = p.free[last]
	p.free = p.free[:last]
	p.inUse[id] = struct{}{}
	return id, nil
}

// Release returns id to the free list. Releasing an id that is not in use is a no-op.
func (p *IDPool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[id]; !ok {
		return
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
}

// Available returns how many ids can still be acquired.
func (p *IDPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the pool capacity.
func (p *IDPool) Size() int { return p.size }
