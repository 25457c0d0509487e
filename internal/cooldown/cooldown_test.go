package cooldown

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/memstore"
)

func golem(cooldown uint) *recipe.Recipe {
	return &recipe.Recipe{ID: "iron_golem", Name: "Iron Golem", Enabled: true, CooldownSeconds: cooldown}
}

func TestCooldownBoundary(t *testing.T) {
	m := NewManager(memstore.New(nil))
	ctx := context.Background()
	settings := recipe.Settings{Enabled: true}
	r := golem(60)
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	d, err := m.IsEligible(ctx, "p1", r, settings, t0)
	if err != nil || !d.Eligible() {
		t.Fatalf("no prior record should be eligible: %+v %v", d, err)
	}
	if err := m.RecordSuccess(ctx, "p1", r.ID, t0); err != nil {
		t.Fatalf("record: %v", err)
	}

	for _, offset := range []time.Duration{0, time.Second, 59*time.Second + 999*time.Millisecond} {
		d, _ := m.IsEligible(ctx, "p1", r, settings, t0.Add(offset))
		if d.Eligible() || d.Block != BlockCooldown {
			t.Fatalf("expected cooldown at +%v, got %+v", offset, d)
		}
		if d.RetryAfter != 60*time.Second-offset {
			t.Fatalf("unexpected retry-after %v at +%v", d.RetryAfter, offset)
		}
	}
	if d, _ := m.IsEligible(ctx, "p1", r, settings, t0.Add(60*time.Second)); !d.Eligible() {
		t.Fatalf("expected eligible exactly at T+C, got %+v", d)
	}
	if d, _ := m.IsEligible(ctx, "p2", r, settings, t0); !d.Eligible() {
		t.Fatalf("cooldowns must be per player")
	}
}

func TestGlobalCooldownSpansRecipes(t *testing.T) {
	m := NewManager(memstore.New(nil))
	ctx := context.Background()
	settings := recipe.Settings{Enabled: true, GlobalCooldownSeconds: 10}
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = m.RecordSuccess(ctx, "p1", "iron_golem", t0)
	other := &recipe.Recipe{ID: "torch", Enabled: true}
	d, _ := m.IsEligible(ctx, "p1", other, settings, t0.Add(5*time.Second))
	if d.Block != BlockCooldown || d.RetryAfter != 5*time.Second {
		t.Fatalf("expected global cooldown, got %+v", d)
	}
	if d, _ := m.IsEligible(ctx, "p1", other, settings, t0.Add(10*time.Second)); !d.Eligible() {
		t.Fatalf("expected eligible after global cooldown, got %+v", d)
	}
}

func TestPolicyBlocks(t *testing.T) {
	m := NewManager(memstore.New(nil))
	ctx := context.Background()
	now := time.Now()

	d, _ := m.IsEligible(ctx, "p1", golem(0), recipe.Settings{Enabled: false}, now)
	if d.Block != BlockCraftingDisabled {
		t.Fatalf("expected BlockCraftingDisabled, got %+v", d)
	}
	off := golem(0)
	off.Enabled = false
	d, _ = m.IsEligible(ctx, "p1", off, recipe.Settings{Enabled: true}, now)
	if d.Block != BlockRecipeDisabled {
		t.Fatalf("expected BlockRecipeDisabled, got %+v", d)
	}
}

func TestPruneKeepsRecent(t *testing.T) {
	s := memstore.New(nil)
	m := NewManager(s)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = m.RecordSuccess(ctx, "old", "r", t0)
	_ = m.RecordSuccess(ctx, "new", "r", t0.Add(48*time.Hour))

	n, err := m.Prune(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pruned rows (recipe + global), got %d %v", n, err)
	}
	if _, ok, _ := s.LastSuccess(ctx, store.CooldownKey{Player: "new", Recipe: "r"}); !ok {
		t.Fatalf("recent timestamp pruned")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CRAFTD_TEST_REDIS")
	if addr == "" {
		t.Skip("CRAFTD_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	s := NewRedisStore(client, "craftd:test:cooldown:", time.Minute)
	ctx := context.Background()
	key := store.CooldownKey{Player: "p1", Recipe: "r"}
	defer client.Del(ctx, s.key(key))

	t0 := time.Now().Truncate(time.Millisecond).UTC()
	if err := s.RecordSuccess(ctx, t0, key); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordSuccess(ctx, t0.Add(-time.Second), key); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, ok, err := s.LastSuccess(ctx, key)
	if err != nil || !ok || !got.Equal(t0) {
		t.Fatalf("expected %v, got %v ok=%v err=%v", t0, got, ok, err)
	}
}

func TestRedisStampRoundsUp(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want time.Time
	}{
		{base, base},
		{base.Add(time.Nanosecond), base.Add(time.Millisecond)},
		{base.Add(1500 * time.Microsecond), base.Add(2 * time.Millisecond)},
		{base.Add(999999 * time.Nanosecond), base.Add(time.Millisecond)},
	}
	for _, tt := range tests {
		got := decodeStamp(encodeStamp(tt.at))
		if !got.Equal(tt.want) {
			t.Errorf("%v: stored as %v, want %v", tt.at, got, tt.want)
		}
		if got.Before(tt.at) {
			t.Errorf("%v: stored stamp %v is earlier than the success", tt.at, got)
		}
	}
}
