package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	calls []setCall
	err   error
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.calls = append(f.calls, setCall{key, value.([]byte), ttl})
	cmd := redis.NewStatusCmd(ctx, "set", key)
	if f.err != nil {
		cmd.SetErr(f.err)
	}
	return cmd
}

func TestValkeyWrite(t *testing.T) {
	rdb := &fakeRedis{}
	v := &Valkey{rdb: rdb, ttl: time.Hour}

	if err := v.Write(context.Background(), testSnapshot(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(rdb.calls) != 2 {
		t.Fatalf("set %d keys, want 2", len(rdb.calls))
	}
	if rdb.calls[0].key != "greensens:sensor:last:GS-1" || rdb.calls[0].ttl != time.Hour {
		t.Errorf("unexpected call %+v", rdb.calls[0])
	}

	var doc map[string]any
	if err := json.Unmarshal(rdb.calls[0].value, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["chargeLevel"] != 75.0 {
		t.Errorf("chargeLevel = %v", doc["chargeLevel"])
	}
}

func TestValkeyWriteSkipsEmptySnapshot(t *testing.T) {
	rdb := &fakeRedis{}
	if err := (&Valkey{rdb: rdb}).Write(context.Background(), greensens.Snapshot{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(rdb.calls) != 0 {
		t.Errorf("set %d keys for an empty snapshot", len(rdb.calls))
	}
}

func TestValkeyWriteErrors(t *testing.T) {
	failure := errors.New("READONLY")
	rdb := &fakeRedis{err: failure}

	err := (&Valkey{rdb: rdb}).Write(context.Background(), testSnapshot(t))
	if !errors.Is(err, failure) {
		t.Errorf("Write() = %v, want %v", err, failure)
	}
	if len(rdb.calls) != 2 {
		t.Errorf("stopped after the first failure")
	}
}
