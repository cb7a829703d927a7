package history

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type countingMetadataClient struct {
	mockClient
	calls int
	err   error
}

func (c *countingMetadataClient) MessageMetadata(ctx context.Context, credential, messageID string) (string, string, error) {
	c.calls++
	if c.err != nil {
		return "", "", c.err
	}
	return "subject of " + messageID, messageID + "@example.com", nil
}

func TestMetadataCacheFetchesOnce(t *testing.T) {
	client := &countingMetadataClient{}
	cache := NewMetadataCache(client, func() string { return "cred" }, time.Hour)

	for i := 0; i < 3; i++ {
		subject, sender, err := cache.MessageMetadata(context.Background(), "m1")
		if err != nil {
			t.Fatalf("MessageMetadata: %s", err)
		}
		if subject != "subject of m1" || sender != "m1@example.com" {
			t.Errorf("got (%q, %q)", subject, sender)
		}
	}
	if client.calls != 1 {
		t.Errorf("provider hit %d times want 1", client.calls)
	}
}

func TestMetadataCacheDoesNotCacheErrors(t *testing.T) {
	client := &countingMetadataClient{err: fmt.Errorf("boom")}
	cache := NewMetadataCache(client, func() string { return "cred" }, time.Hour)

	if _, _, err := cache.MessageMetadata(context.Background(), "m1"); err == nil {
		t.Fatalf("expected error")
	}
	client.err = nil
	if _, _, err := cache.MessageMetadata(context.Background(), "m1"); err != nil {
		t.Fatalf("second fetch should succeed: %s", err)
	}
	if client.calls != 2 {
		t.Errorf("provider hit %d times want 2", client.calls)
	}
}
