package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/autocraft"
	"github.com/gravitas-games/crafting/internal/config"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/lock"
	"github.com/gravitas-games/crafting/internal/network"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store/memstore"
	"github.com/gravitas-games/crafting/pkg/models"
)

type fixture struct {
	key    *ecdsa.PrivateKey
	store  *memstore.Store
	sched  *autocraft.Scheduler
	server *Server
	http   *httptest.Server
}

func torch() *recipe.Recipe {
	return &recipe.Recipe{
		ID:               "torch",
		Name:             "Torch",
		Enabled:          true,
		AutoCraftEnabled: true,
		Ingredients:      []recipe.Ingredient{{Ref: inventory.Item("stick"), Quantity: 1}},
		Result:           recipe.Result{Ref: inventory.Item("torch"), Quantity: 4},
	}
}

func newFixture(t *testing.T, tweak func(cfg *config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Parse([]byte("jwt:\n  issuer: " + testIssuer + "\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if tweak != nil {
		tweak(cfg)
	}

	s := memstore.New(nil)
	_ = s.SaveSettings(ctx, recipe.Settings{Enabled: true, GlobalCooldownSeconds: 10, AutoCraftingEnabled: true})
	if err := s.SaveRecipe(ctx, torch()); err != nil {
		t.Fatalf("save recipe: %v", err)
	}

	logger := audit.NewLogger(audit.DefaultOptions(), s)
	t.Cleanup(func() { _ = logger.Close(context.Background()) })

	bus := crafting.NewSimpleEventBus()
	cd := cooldown.NewManager(s)
	ledger := crafting.NewLedger(recipe.NewCatalog(s), s, cd, lock.NewKeyed(), logger, crafting.WithEvents(bus))
	sched := autocraft.New(autocraft.Deps{
		Ledger:        ledger,
		Config:        s,
		Inventory:     s,
		Cooldowns:     cd,
		Subscriptions: s,
		Events:        bus,
	}, autocraft.Options{})
	svc := crafting.NewService(crafting.ServiceDeps{
		Config:        s,
		Inventory:     s,
		Subscriptions: s,
		Ledger:        ledger,
		AutoCraft:     sched,
		Audit:         s,
	})

	key := newKey(t)
	srv, err := New(cfg, Deps{Service: svc, Events: bus, Auth: NewJWTValidator(cfg, &key.PublicKey, nil), AutoCraft: sched})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &fixture{key: key, store: s, sched: sched, server: srv, http: ts}
}

func (f *fixture) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sign(t, f.key, testClaims(userID, 0)))
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := ws.WriteJSON(network.ClientMessage{Type: msgType, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type incoming struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// expect reads messages until one of msgType arrives and decodes its payload into v.
func expect(t *testing.T, ws *websocket.Conn, msgType string, v any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg incoming
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type != msgType {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(msg.Payload, v); err != nil {
				t.Fatalf("decode %s: %v", msgType, err)
			}
		}
		return
	}
}

func TestWebSocketCraft(t *testing.T) {
	f := newFixture(t, nil)
	f.store.GrantItems("42", "stick", 1)
	ws := f.dial(t, 42)

	send(t, ws, network.MsgTypeListRecipes, nil)
	var recipes network.RecipesPayload
	expect(t, ws, network.MsgTypeRecipes, &recipes)
	if len(recipes.Recipes) != 1 || recipes.Recipes[0].ID != "torch" || recipes.Recipes[0].Ingredients[0].Name != "item:stick" {
		t.Fatalf("unexpected recipes %+v", recipes)
	}

	send(t, ws, network.MsgTypeCraftable, nil)
	expect(t, ws, network.MsgTypeCraftableReply, &recipes)
	if len(recipes.Recipes) != 1 {
		t.Fatalf("torch should be craftable")
	}

	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "Torch"})
	var res network.CraftResultPayload
	expect(t, ws, network.MsgTypeCraftResult, &res)
	if res.Auto || res.Result.Outcome != crafting.OutcomeSuccess || res.Result.Produced.Quantity != 4 {
		t.Fatalf("unexpected craft result %+v", res.Result)
	}

	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "torch"})
	expect(t, ws, network.MsgTypeCraftResult, &res)
	if res.Result.Outcome != crafting.OutcomeBlocked || res.Result.Reason != crafting.ReasonCooldownActive || res.RetryAfterMS <= 0 {
		t.Fatalf("expected cooldown block, got %+v", res.Result)
	}

	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "tourch"})
	var perr network.ErrorPayload
	expect(t, ws, network.MsgTypeError, &perr)
	if perr.Code != network.ErrCodeRecipeNotFound || len(perr.Suggestions) == 0 || perr.Suggestions[0] != "Torch" {
		t.Fatalf("unexpected error %+v", perr)
	}

	send(t, ws, network.MsgTypePing, nil)
	expect(t, ws, network.MsgTypePong, nil)

	snap, _ := f.store.Snapshot(context.Background(), "42")
	if snap.ItemQuantity("torch") != 4 || snap.ItemQuantity("stick") != 0 {
		t.Fatalf("unexpected inventory %+v", snap.Items)
	}
}

func TestWebSocketAutoCraftPushesResults(t *testing.T) {
	f := newFixture(t, nil)
	f.store.GrantItems("7", "stick", 2)
	ws := f.dial(t, 7)

	send(t, ws, network.MsgTypeAutoCraft, network.AutoCraftPayload{Recipe: "torch"})
	var status network.AutoStatusPayload
	expect(t, ws, network.MsgTypeAutoCraftSet, &status)
	if !status.Active || status.Recipe != "torch" {
		t.Fatalf("unexpected status %+v", status)
	}

	f.sched.Update(context.Background(), time.Now())
	f.sched.Wait()
	var res network.CraftResultPayload
	expect(t, ws, network.MsgTypeCraftResult, &res)
	if !res.Auto || res.Result.Outcome != crafting.OutcomeSuccess {
		t.Fatalf("expected pushed auto success, got %+v", res)
	}

	_ = f.store.SaveSettings(context.Background(), recipe.Settings{Enabled: true})
	f.sched.Refresh()
	f.sched.Update(context.Background(), time.Now())
	f.sched.Wait()
	var stopped network.AutoCraftStoppedPayload
	expect(t, ws, network.MsgTypeAutoCraftStopped, &stopped)
	if stopped.Recipe != "torch" || stopped.Reason != autocraft.StopAutoDisabled {
		t.Fatalf("unexpected stop %+v", stopped)
	}

	send(t, ws, network.MsgTypeAutoStatus, nil)
	expect(t, ws, network.MsgTypeAutoStatusReply, &status)
	if status.Active {
		t.Fatalf("subscription should be inactive")
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
	var perr network.ErrorPayload
	if err := json.NewDecoder(resp.Body).Decode(&perr); err != nil || perr.Code != network.ErrCodeNotAuthenticated {
		t.Fatalf("expected %s error body, got %+v (%v)", network.ErrCodeNotAuthenticated, perr, err)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.CommandsPerSecond = 0.001
		cfg.RateLimit.Burst = 1
	})
	ws := f.dial(t, 9)

	send(t, ws, network.MsgTypePing, nil)
	expect(t, ws, network.MsgTypePong, nil)
	send(t, ws, network.MsgTypePing, nil)
	var perr network.ErrorPayload
	expect(t, ws, network.MsgTypeError, &perr)
	if perr.Code != network.ErrCodeRateLimited {
		t.Fatalf("expected rate limit, got %+v", perr)
	}
}

func (f *fixture) admin(t *testing.T, method, path string, perms int64, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, f.http.URL+path, &buf)
	req.Header.Set("Authorization", "Bearer "+sign(t, f.key, testClaims(1, perms)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)

	if resp := f.admin(t, "GET", "/admin/settings", 0, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin got %d", resp.StatusCode)
	}
	resp, err := http.Get(f.http.URL + "/admin/settings")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous got %d", resp.StatusCode)
	}

	want := recipe.Settings{Enabled: true, GlobalCooldownSeconds: 5, AutoCraftingEnabled: false}
	if resp := f.admin(t, "PUT", "/admin/settings", models.PermAdmin, want); resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings: %d", resp.StatusCode)
	}
	var got recipe.Settings
	resp = f.admin(t, "GET", "/admin/settings", models.PermAdmin, nil)
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if got != want {
		t.Fatalf("settings not saved: %+v", got)
	}

	lantern := torch()
	lantern.ID = ""
	lantern.Name = "Lantern"
	if resp := f.admin(t, "PUT", "/admin/recipes/lantern", models.PermAdmin, lantern); resp.StatusCode != http.StatusOK {
		t.Fatalf("put recipe: %d", resp.StatusCode)
	}
	invalid := torch()
	invalid.Ingredients = nil
	if resp := f.admin(t, "PUT", "/admin/recipes/torch", models.PermAdmin, invalid); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid recipe got %d", resp.StatusCode)
	}
	if resp := f.admin(t, "PUT", "/admin/recipes/other", models.PermAdmin, torch()); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched id got %d", resp.StatusCode)
	}

	var list []*recipe.Recipe
	resp = f.admin(t, "GET", "/admin/recipes", models.PermAdmin, nil)
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 2 || list[0].Name != "Lantern" {
		t.Fatalf("unexpected recipe list %+v", list)
	}

	if resp := f.admin(t, "DELETE", "/admin/recipes/lantern", models.PermAdmin, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if resp := f.admin(t, "GET", "/admin/recipes/lantern", models.PermAdmin, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted recipe got %d", resp.StatusCode)
	}
	if resp := f.admin(t, "DELETE", "/admin/recipes/lantern", models.PermAdmin, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete got %d", resp.StatusCode)
	}
}

func TestAdminRecipeReverseLookup(t *testing.T) {
	f := newFixture(t, nil)
	lantern := torch()
	lantern.ID = "lantern"
	lantern.Name = "Lantern"
	lantern.Ingredients = []recipe.Ingredient{{Ref: inventory.Item("torch"), Quantity: 2}}
	lantern.Result = recipe.Result{Ref: inventory.Item("lantern"), Quantity: 1}
	if err := f.store.SaveRecipe(context.Background(), lantern); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []recipe.ID
	}{
		{"produces=item:torch", []recipe.ID{"torch"}},
		{"uses=item:torch", []recipe.ID{"lantern"}},
		{"uses=item:stick", []recipe.ID{"torch"}},
		{"uses=ball:france", nil},
	}
	for _, tt := range tests {
		resp := f.admin(t, "GET", "/admin/recipes?"+tt.query, models.PermAdmin, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", tt.query, resp.StatusCode)
		}
		var list []*recipe.Recipe
		_ = json.NewDecoder(resp.Body).Decode(&list)
		if len(list) != len(tt.want) {
			t.Fatalf("%s: got %d recipes, want %v", tt.query, len(list), tt.want)
		}
		for i, r := range list {
			if r.ID != tt.want[i] {
				t.Errorf("%s: got %s at %d, want %s", tt.query, r.ID, i, tt.want[i])
			}
		}
	}

	for _, bad := range []string{"uses=stick", "produces=ball:", "produces=item:torch&uses=item:stick"} {
		if resp := f.admin(t, "GET", "/admin/recipes?"+bad, models.PermAdmin, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestWebSocketCraftWithChosenBalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	storm := &recipe.Recipe{
		ID:          "storm",
		Name:        "Storm",
		Enabled:     true,
		Ingredients: []recipe.Ingredient{{Ref: inventory.Ball("gale", ""), Quantity: 1}},
		Result:      recipe.Result{Ref: inventory.Item("storm_core"), Quantity: 1},
	}
	if err := f.store.SaveRecipe(ctx, storm); err != nil {
		t.Fatal(err)
	}
	_ = f.store.SaveSettings(ctx, recipe.Settings{Enabled: true})
	f.store.GrantBall("42", "gale", "")
	shiny := f.store.GrantBall("42", "gale", "shiny")
	stranger := f.store.GrantBall("43", "gale", "")
	ws := f.dial(t, 42)

	var rejected network.CraftResultPayload
	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "storm", Balls: []inventory.BallID{stranger.ID}})
	expect(t, ws, network.MsgTypeCraftResult, &rejected)
	if rejected.Result.Reason != crafting.ReasonInsufficientIngredients || len(rejected.Result.Unusable) != 1 {
		t.Fatalf("expected unusable ball rejection, got %+v", rejected.Result)
	}

	var crafted network.CraftResultPayload
	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "storm", Balls: []inventory.BallID{shiny.ID}})
	expect(t, ws, network.MsgTypeCraftResult, &crafted)
	if !crafted.Result.Succeeded() || len(crafted.Result.Consumed.Balls) != 1 || crafted.Result.Consumed.Balls[0] != shiny.ID {
		t.Fatalf("expected the shiny ball spent, got %+v", crafted.Result)
	}
}

func TestAdminAuditQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.store.GrantItems("42", "stick", 1)
	ws := f.dial(t, 42)
	send(t, ws, network.MsgTypeCraft, network.CraftPayload{Recipe: "torch"})
	expect(t, ws, network.MsgTypeCraftResult, nil)

	deadline := time.Now().Add(3 * time.Second)
	for {
		var records []audit.Record
		resp := f.admin(t, "GET", "/admin/audit?player=42&limit=10", models.PermAdmin, nil)
		_ = json.NewDecoder(resp.Body).Decode(&records)
		if len(records) == 1 {
			if records[0].Outcome != audit.OutcomeSuccess || records[0].Source != audit.SourceManual {
				t.Fatalf("unexpected record %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit record never arrived, got %d", len(records))
		}
		time.Sleep(50 * time.Millisecond)
	}

	if resp := f.admin(t, "GET", "/admin/audit?limit=abc", models.PermAdmin, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.dial(t, 3)
	time.Sleep(50 * time.Millisecond)
	if _, err := f.sched.Subscribe(context.Background(), "3", "torch"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp, err := http.Get(f.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status    string        `json:"status"`
		Sessions  SessionStatus `json:"sessions"`
		AutoCraft int           `json:"auto_craft_active"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "ok" || body.Sessions.Players != 1 || body.AutoCraft != 1 {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestNewRequiresAuthenticator(t *testing.T) {
	cfg, _ := config.Parse(nil)
	if _, err := New(cfg, Deps{}); err == nil {
		t.Fatalf("expected error without authenticator")
	}
	cfg.JWT.Insecure = true
	if _, err := New(cfg, Deps{}); err != nil {
		t.Fatalf("insecure mode: %v", err)
	}
}
