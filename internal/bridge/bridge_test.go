package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/command"
	"github.com/nolongerevil/thermcontrol/internal/fanout"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket.Bucket
}

func newFakeStore() *fakeStore { return &fakeStore{buckets: map[string]*bucket.Bucket{}} }
func (f *fakeStore) k(serial, key string) string { return serial + "\x00" + key }

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeStore) GetBucket(ctx context.Context, serial, key string) (*bucket.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[f.k(serial, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b.Clone(), nil
}
func (f *fakeStore) PutBucket(ctx context.Context, b *bucket.Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[f.k(b.Serial, b.Key)] = b.Clone()
	return nil
}
func (f *fakeStore) ListBucketsForSerial(ctx context.Context, serial string) ([]*bucket.Bucket, error) {
	return nil, nil
}
func (f *fakeStore) ListAllBuckets(ctx context.Context) ([]*bucket.Bucket, error) { return nil, nil }
func (f *fakeStore) DeleteBucketsForSerial(ctx context.Context, serial string) error { return nil }
func (f *fakeStore) DeleteEntryCodesForSerial(ctx context.Context, serial string) error { return nil }
func (f *fakeStore) InsertEntryCodeIfUnused(ctx context.Context, code, serial string, createdAt, expiresAt int64) (bool, error) {
	return true, nil
}
func (f *fakeStore) GetEntryCodeForSerial(ctx context.Context, serial string, now int64) (*store.EntryCode, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ClaimEntryCode(ctx context.Context, code, userID string, now int64) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) GetOwner(ctx context.Context, serial string) (string, error) {
	return "", store.ErrNotFound
}
func (f *fakeStore) UpsertOwner(ctx context.Context, serial, userID string, createdAt int64) error {
	return nil
}
func (f *fakeStore) DeleteOwner(ctx context.Context, serial string) error { return nil }
func (f *fakeStore) ListOwnedSerials(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) EnsureUser(ctx context.Context, clerkID, email string, createdAt int64) error {
	return nil
}
func (f *fakeStore) GetWeather(ctx context.Context, postalCode, country string) (*store.WeatherRecord, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutWeather(ctx context.Context, rec *store.WeatherRecord) error { return nil }
func (f *fakeStore) GetIntegrationConfig(ctx context.Context, kind string) (string, error) {
	return "", store.ErrNotFound
}
func (f *fakeStore) PutIntegrationConfig(ctx context.Context, kind, configJSON string) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]byte
	handlers  map[string]func(topic string, payload []byte)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: map[string][]byte{}, handlers: map[string]func(string, []byte){}}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[topic] = payload
	return nil
}

func (p *fakePublisher) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newTestBridge() (*Bridge, *cache.Cache, *fakePublisher) {
	c := cache.New(newFakeStore(), nil)
	fo := fanout.New(10)
	cmd := command.New(c, fo, nil, func() int64 { return 1000 })
	pub := newFakePublisher()
	b := New(pub, cmd, c, Config{TopicPrefix: "thermcontrol", DiscoveryPrefix: "homeassistant"}, nil)
	return b, c, pub
}

func TestOnChangePublishesStateForDeviceKey(t *testing.T) {
	b, c, pub := newTestBridge()
	ctx := context.Background()

	_, _, err := c.Mutate(ctx, "SERIAL1", bucket.DeviceKey("SERIAL1"), 1000, func(bucket.Value) bucket.Value {
		return bucket.Value{"target_temperature_type": "heat", "current_temperature": 21.0}
	})
	require.NoError(t, err)

	require.NoError(t, b.OnChange(ctx, cache.ChangeEvent{Serial: "SERIAL1", Key: bucket.DeviceKey("SERIAL1")}))

	payload, ok := pub.published["thermcontrol/SERIAL1/state"]
	require.True(t, ok)
	var state map[string]any
	require.NoError(t, json.Unmarshal(payload, &state))
	assert.Equal(t, "heat", state["mode"])
	assert.Equal(t, 21.0, state["current_temperature"])
}

func TestOnChangeIgnoresUnrelatedKinds(t *testing.T) {
	b, _, pub := newTestBridge()
	require.NoError(t, b.OnChange(context.Background(), cache.ChangeEvent{Serial: "X", Key: bucket.UserKey("user_abc")}))
	assert.Empty(t, pub.published)
}

func TestHandleCommandTranslatesSetMode(t *testing.T) {
	b, c, _ := newTestBridge()
	b.handleCommand("thermcontrol/SERIAL1/set/mode", []byte("heat"))

	bk, ok := c.Get("SERIAL1", bucket.DeviceKey("SERIAL1"))
	require.True(t, ok)
	assert.Equal(t, "heat", bk.Value["target_temperature_type"])
}

func TestHandleCommandTranslatesSetTemperature(t *testing.T) {
	b, c, _ := newTestBridge()
	b.handleCommand("thermcontrol/SERIAL1/set/temperature", []byte("22.5"))

	bk, ok := c.Get("SERIAL1", bucket.SharedKey("SERIAL1"))
	require.True(t, ok)
	assert.Equal(t, 22.5, bk.Value["target_temperature"])
}

func TestStartSubscribesAndPublishesDiscoveryForKnownSerials(t *testing.T) {
	b, c, pub := newTestBridge()
	ctx := context.Background()

	_, _, err := c.Mutate(ctx, "SERIAL2", bucket.DeviceKey("SERIAL2"), 1000, func(bucket.Value) bucket.Value {
		return bucket.Value{"target_temperature_type": "off"}
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))

	_, ok := pub.handlers["thermcontrol/+/set/+"]
	assert.True(t, ok)
	_, ok = pub.published["homeassistant/climate/SERIAL2/config"]
	assert.True(t, ok)
}
