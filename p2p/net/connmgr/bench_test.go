package connmgr

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/meshward/go-p2pnode/core/peer"
)

// BenchmarkLockContention exercises TagPeer/UntagPeer under concurrent load
// from other goroutines, the same shape as the teacher's original
// lock-contention benchmark, adapted to this Manager's constructor and tag
// API (the teacher's version depended on a randConn helper absent from this
// retrieval pack).
func BenchmarkLockContention(b *testing.B) {
	peers := make([]peer.ID, 5000)
	for i := range peers {
		peers[i] = peer.ID(rune(i))
	}

	cfg := DefaultConfig()
	m, err := New(cfg, newFakeDialer(), fakePeerstore{})
	if err != nil {
		b.Fatal(err)
	}
	defer m.Close()

	kill := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-kill:
					return
				default:
					m.TagPeer(peers[rand.Intn(len(peers))], "another-tag", 1)
				}
			}
		}()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := peers[rand.Intn(len(peers))]
		m.TagPeer(p, "tag", 100)
		m.UntagPeer(p, "tag")
	}
	close(kill)
	wg.Wait()
}
