package statusweb

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStats struct {
	Packets int `json:"packets"`
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:18091"

	provider := StatsProviderFunc(func() interface{} { return fakeStats{Packets: 7} })
	s := New(cfg, provider, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:18091/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get("http://127.0.0.1:18091/stats")
	if err != nil {
		t.Fatalf("stats request: %v", err)
	}
	defer resp2.Body.Close()

	var got fakeStats
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got.Packets != 7 {
		t.Fatalf("expected packets=7, got %d", got.Packets)
	}
}
