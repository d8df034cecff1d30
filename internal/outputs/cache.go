// Package outputs routes a finished utterance's audio to the best sink in
// the originating room.
package outputs

import (
	"sync"
	"time"

	"github.com/hearthlabs/hearth/internal/id"
)

// AudioCache holds synthesized clips for external players to fetch by URL.
// Entries expire after the configured TTL; a fetched clip stays until expiry
// so players can re-buffer.
type AudioCache struct {
	ttl time.Duration

	mu    sync.Mutex
	clips map[string]cachedClip
	done  chan struct{}
}

type cachedClip struct {
	data    []byte
	expires time.Time
}

func NewAudioCache(ttl time.Duration) *AudioCache {
	c := &AudioCache{
		ttl:   ttl,
		clips: make(map[string]cachedClip),
		done:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Put stores a clip and returns its identifier.
func (c *AudioCache) Put(wav []byte) string {
	clipID := id.NewAudioClip()
	c.mu.Lock()
	c.clips[clipID] = cachedClip{data: wav, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return clipID
}

// Get returns a clip if it is still cached.
func (c *AudioCache) Get(clipID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip, ok := c.clips[clipID]
	if !ok || time.Now().After(clip.expires) {
		return nil, false
	}
	return clip.data, true
}

func (c *AudioCache) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for clipID, clip := range c.clips {
				if now.After(clip.expires) {
					delete(c.clips, clipID)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *AudioCache) Close() { close(c.done) }
