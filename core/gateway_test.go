package core

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func testGateway(t *testing.T, mutations bool, allowlist []string) *Gateway {
	t.Helper()
	return NewGateway(NewPolicy(mutations, allowlist), testDB(t), zap.NewNop().Sugar())
}

func TestGatewaySelect(t *testing.T) {
	g := testGateway(t, false, nil)

	res, err := g.RunGuarded(context.Background(), QueryRequest{
		Text: "SELECT entity_id FROM states ORDER BY state_id LIMIT 2",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(res.Rows))
	}
}

func TestGatewayDenialNeverExecutes(t *testing.T) {
	g := testGateway(t, false, nil)
	ctx := context.Background()

	_, err := g.RunGuarded(ctx, QueryRequest{
		Text:   "DELETE FROM states WHERE entity_id = ?",
		Params: []any{"light.living_room"},
	})
	wantDenied(t, err, DenyMutationsDisabled)

	// The denied statement must have had no effect.
	res, err := g.RunGuarded(ctx, QueryRequest{
		Text:   "SELECT COUNT(*) AS n FROM states WHERE entity_id = ?",
		Params: []any{"light.living_room"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n, _ := res.Rows[0]["n"].(int64); n != 1 {
		t.Errorf("row count after denied delete = %v, want 1", res.Rows[0]["n"])
	}
}

func TestGatewayBlockedVerb(t *testing.T) {
	g := testGateway(t, true, nil)

	_, err := g.RunGuarded(context.Background(), QueryRequest{Text: "DROP TABLE states"})
	wantDenied(t, err, DenyOperationAlwaysBlocked)
}

func TestGatewayMutationNotifies(t *testing.T) {
	g := testGateway(t, true, nil)

	var notified []string
	g.OnMutation(func(tables []string) { notified = tables })

	res, err := g.RunGuarded(context.Background(), QueryRequest{
		Text:   "INSERT INTO states (entity_id, state) VALUES (?, ?)",
		Params: []any{"sensor.new", "1"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.AffectedRows != 1 {
		t.Errorf("affected = %d, want 1", res.AffectedRows)
	}
	if len(notified) != 1 || notified[0] != "states" {
		t.Errorf("notified tables = %v, want [states]", notified)
	}
}

func TestGatewaySelectLedMutationTakesWritePath(t *testing.T) {
	g := testGateway(t, true, nil)
	ctx := context.Background()

	var notified []string
	g.OnMutation(func(tables []string) { notified = tables })

	// The leading SELECT must not hide the trailing DELETE from the
	// write path.
	res, err := g.RunGuarded(ctx, QueryRequest{
		Text: "SELECT entity_id FROM states; DELETE FROM states",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Mutation {
		t.Error("result not marked as a mutation")
	}
	if res.AffectedRows == 0 {
		t.Error("affected rows = 0, want the deleted count")
	}
	if len(notified) == 0 {
		t.Error("mutation callback not invoked")
	}

	verify, err := g.RunGuarded(ctx, QueryRequest{Text: "SELECT COUNT(*) AS n FROM states"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n, _ := verify.Rows[0]["n"].(int64); n != 0 {
		t.Errorf("rows remaining = %v, want 0", verify.Rows[0]["n"])
	}
}

func TestGatewaySelectDoesNotNotify(t *testing.T) {
	g := testGateway(t, true, nil)

	called := false
	g.OnMutation(func([]string) { called = true })

	if _, err := g.RunGuarded(context.Background(), QueryRequest{
		Text: "SELECT * FROM states",
	}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if called {
		t.Error("read triggered the mutation callback")
	}
}

func TestGatewayExecutionError(t *testing.T) {
	g := testGateway(t, true, nil)

	called := false
	g.OnMutation(func([]string) { called = true })

	_, err := g.RunGuarded(context.Background(), QueryRequest{
		Text: "DELETE FROM no_such_table",
	})
	if err == nil {
		t.Fatal("expected execution error")
	}
	if _, ok := AsExecutionError(err); !ok {
		t.Errorf("error is %T, want *ExecutionError", err)
	}
	if called {
		t.Error("failed mutation triggered the callback")
	}
}

func TestGatewayAllowlistScenario(t *testing.T) {
	g := testGateway(t, true, []string{"events"})
	ctx := context.Background()

	if _, err := g.RunGuarded(ctx, QueryRequest{
		Text:   "INSERT INTO events (event_type) VALUES (?)",
		Params: []any{"test"},
	}); err != nil {
		t.Errorf("allowlisted insert denied: %v", err)
	}

	_, err := g.RunGuarded(ctx, QueryRequest{Text: "DELETE FROM states"})
	wantDenied(t, err, DenyTableNotAllowlisted)
}
