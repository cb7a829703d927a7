package history

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type metadata struct {
	subject string
	sender  string
}

// MetadataCache memoizes message subject/sender lookups. A message's metadata
// is immutable for our purposes, so caching means at-least-once replay of a
// poll batch does not hit the provider a second time for the same message.
type MetadataCache struct {
	client     Client
	credential func() string
	cache      *ttlcache.Cache[string, metadata]
}

func NewMetadataCache(client Client, credential func() string, ttl time.Duration) *MetadataCache {
	return &MetadataCache{
		client:     client,
		credential: credential,
		cache: ttlcache.New[string, metadata](
			ttlcache.WithTTL[string, metadata](ttl),
			ttlcache.WithDisableTouchOnHit[string, metadata](),
		),
	}
}

// MessageMetadata returns the cached subject/sender for the message, fetching
// from the provider on a miss. Fetch errors are not cached.
func (m *MetadataCache) MessageMetadata(ctx context.Context, messageID string) (string, string, error) {
	if item := m.cache.Get(messageID); item != nil {
		md := item.Value()
		return md.subject, md.sender, nil
	}
	subject, sender, err := m.client.MessageMetadata(ctx, m.credential(), messageID)
	if err != nil {
		return "", "", err
	}
	m.cache.Set(messageID, metadata{subject: subject, sender: sender}, ttlcache.DefaultTTL)
	return subject, sender, nil
}
