package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/seopilot/engine/internal/lifecycle"
	"github.com/seopilot/engine/internal/models"
)

func TestAgentDispatchPayload_RoundTrip(t *testing.T) {
	in := AgentDispatchPayload{
		OpportunityID: uuid.New().String(),
		RunID:         uuid.New().String(),
		TargetQuery:   "buy shoes",
		TargetPage:    "/shoes",
		Type:          string(models.TypeCTROptimization),
		RunToken:      "token",
	}

	task, err := NewAgentDispatchTask(in)
	if err != nil {
		t.Fatalf("task build failed: %v", err)
	}
	if task.Type() != TaskAgentDispatch {
		t.Fatalf("unexpected task type %q", task.Type())
	}

	out, err := ParseAgentDispatchPayload(task)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if out != in {
		t.Fatalf("payload mismatch: %+v vs %+v", out, in)
	}
}

func TestClient_DispatchEnqueuesOnConfiguredQueue(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient("redis://"+mr.Addr(), "agent")
	if err != nil {
		t.Fatalf("client build failed: %v", err)
	}
	defer client.Close()

	err = client.Dispatch(context.Background(), lifecycle.DispatchRequest{
		OpportunityID: uuid.New(),
		RunID:         uuid.New(),
		TargetQuery:   "buy shoes",
		TargetPage:    "/shoes",
		Type:          models.TypeLowHangingFruit,
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	var found bool
	for _, key := range mr.Keys() {
		if strings.Contains(key, "{agent}") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected task keys on the agent queue, got %v", mr.Keys())
	}
}

func TestClient_RequiresRedisURL(t *testing.T) {
	if _, err := NewClient("", "agent"); err == nil {
		t.Fatal("expected error for missing redis url")
	}
}

func TestRedisClientOpt_ParsesURL(t *testing.T) {
	opt, err := redisClientOpt("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opt.Addr != "localhost:6380" {
		t.Fatalf("unexpected addr %q", opt.Addr)
	}
	if opt.Password != "secret" {
		t.Fatalf("unexpected password %q", opt.Password)
	}
	if opt.DB != 2 {
		t.Fatalf("unexpected db %d", opt.DB)
	}
}
