package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"

	"github.com/bigbag/sds011/internal/config"
	"github.com/bigbag/sds011/internal/protocol"
)

func testMeasurement() Measurement {
	m := NewMeasurement(protocol.Reading{PM25: 1.9, PM10: 8.4}, 0xA160)
	m.Time = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return m
}

func TestNewMeasurement(t *testing.T) {
	before := time.Now().UTC()
	m := NewMeasurement(protocol.Reading{PM25: 1.9, PM10: 8.4}, protocol.BroadcastID)

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, protocol.BroadcastID, m.DeviceID)
	assert.Equal(t, Unit, m.Unit)
	assert.False(t, m.Time.Before(before))
	assert.Equal(t, protocol.Reading{PM25: 1.9, PM10: 8.4}, m.Reading())

	other := NewMeasurement(protocol.Reading{}, protocol.BroadcastID)
	assert.NotEqual(t, m.ID, other.ID)
}

func TestMulti_TriesEverySink(t *testing.T) {
	var calls []string
	ok := Func(func(ctx context.Context, m Measurement) error {
		calls = append(calls, "ok")
		return nil
	})
	boom := errors.New("boom")
	failing := Func(func(ctx context.Context, m Measurement) error {
		calls = append(calls, "failing")
		return boom
	})

	ms := Multi{{Name: "a", Sink: failing}, {Name: "b", Sink: ok}, {Name: "c", Sink: failing}}
	err := ms.Push(context.Background(), testMeasurement())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sink a")
	assert.Contains(t, err.Error(), "sink c")
	assert.Equal(t, []string{"failing", "ok", "failing"}, calls)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi(nil).Push(context.Background(), testMeasurement()))
}

func TestThrottle(t *testing.T) {
	count := 0
	s := Func(func(ctx context.Context, m Measurement) error {
		count++
		return nil
	})

	assert.IsType(t, Func(nil), Throttle(s, 0), "zero interval must not wrap")

	th := Throttle(s, time.Hour).(*Throttled)
	for i := 0; i < 5; i++ {
		require.NoError(t, th.Push(context.Background(), testMeasurement()))
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(4), th.Dropped())
}

func TestWebhook_Push(t *testing.T) {
	var got Measurement
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	m := testMeasurement()
	w := NewWebhook(nil, ts.URL+"/hook", "secret")
	require.NoError(t, w.Push(context.Background(), m))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 1.9, got.PM25)
	assert.Equal(t, 8.4, got.PM10)
	assert.True(t, m.Time.Equal(got.Time))
}

func TestWebhook_NoToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	require.NoError(t, NewWebhook(nil, ts.URL, "").Push(context.Background(), testMeasurement()))
}

func TestWebhook_ErrorStatus(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	err := NewWebhook(nil, ts.URL, "").Push(context.Background(), testMeasurement())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 1, calls, "webhook must not retry")
}

func TestWebhook_NoURL(t *testing.T) {
	assert.Error(t, NewWebhook(nil, "", "").Push(context.Background(), testMeasurement()))
}

func TestStreamValues(t *testing.T) {
	m := testMeasurement()
	v := streamValues(m)

	assert.Equal(t, m.ID.String(), v["id"])
	assert.Equal(t, "A160", v["device_id"])
	assert.Equal(t, "1.9", v["pm25"])
	assert.Equal(t, "8.4", v["pm10"])
	assert.Equal(t, "2026-10-16T12:00:00Z", v["ts"])
}

func TestNewRedis_Disabled(t *testing.T) {
	_, err := NewRedis(context.Background(), config.RedisConfig{Enabled: false})
	assert.Error(t, err)
}

func TestRedis_PushUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	r := newRedis(rdb, config.RedisConfig{Stream: "sds011:readings", MaxLen: 10, Channel: "sds011"})
	defer r.Close()

	err := r.Push(context.Background(), testMeasurement())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd sds011:readings")
}

func TestRedis_PushNothingConfigured(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	r := newRedis(rdb, config.RedisConfig{})
	defer r.Close()

	assert.NoError(t, r.Push(context.Background(), testMeasurement()))
}

func TestReadingRecord(t *testing.T) {
	m := testMeasurement()
	rec := NewReadingRecord(m)

	assert.Equal(t, "readings", rec.TableName())
	assert.Equal(t, m.ID, rec.ID)
	assert.Equal(t, int32(0xA160), rec.DeviceID)
	assert.Equal(t, m.PM25, rec.PM25)
	assert.Equal(t, m.PM10, rec.PM10)
	assert.Equal(t, m.Time, rec.MeasuredAt)
}

func TestNanomsg_Publish(t *testing.T) {
	const addr = "inproc://sds011-sink-test"

	n, err := NewNanomsg(addr)
	require.NoError(t, err)
	defer n.Close()

	s, err := sub.NewSocket()
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SetOption(mangos.OptionSubscribe, []byte("")))
	require.NoError(t, s.SetOption(mangos.OptionRecvDeadline, 50*time.Millisecond))
	require.NoError(t, s.Dial(addr))

	m := testMeasurement()
	var payload []byte
	// PUB drops messages until the subscriber is attached.
	for i := 0; i < 40 && payload == nil; i++ {
		require.NoError(t, n.Push(context.Background(), m))
		payload, _ = s.Recv()
	}
	require.NotNil(t, payload, "no message received")

	var got Measurement
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, m.ID, got.ID)
}

func TestBuild_LocalOnly(t *testing.T) {
	var pushed int
	local := Func(func(ctx context.Context, m Measurement) error {
		pushed++
		return nil
	})

	s, closeFn, err := Build(context.Background(), config.SinksConfig{}, nil, Named{Name: "local", Sink: local})
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, s.Push(context.Background(), testMeasurement()))
	assert.Equal(t, 1, pushed)
}

func TestBuild_WebhookThrottled(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer ts.Close()

	local := 0
	cfg := config.SinksConfig{
		Throttle: time.Hour,
		Webhook:  config.WebhookConfig{URL: ts.URL, Timeout: time.Second},
	}
	s, closeFn, err := Build(context.Background(), cfg, nil, Named{Name: "local", Sink: Func(func(ctx context.Context, m Measurement) error {
		local++
		return nil
	})})
	require.NoError(t, err)
	defer closeFn()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(context.Background(), testMeasurement()))
	}
	assert.Equal(t, 3, local)
	assert.Equal(t, 1, hits)
}

func TestBuild_RedisUnreachable(t *testing.T) {
	cfg := config.SinksConfig{Redis: config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}}
	_, _, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}
