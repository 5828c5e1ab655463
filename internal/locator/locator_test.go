package locator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestStaticLocate(t *testing.T) {
	s := NewStatic()
	s.Set("Steve", "west")

	leaf, ok, err := s.Locate(context.Background(), "steve")
	if err != nil || !ok || leaf != "west" {
		t.Fatalf("Locate = %q, %v, %v; want west, true, nil", leaf, ok, err)
	}

	s.Remove("STEVE")
	if _, ok, _ := s.Locate(context.Background(), "Steve"); ok {
		t.Error("player still located after Remove")
	}
}

func TestRedisLocate(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	r, err := NewRedis(ctx, mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer r.Close()

	if _, ok, err := r.Locate(ctx, "alex"); err != nil || ok {
		t.Fatalf("Locate unknown player = %v, %v; want false, nil", ok, err)
	}

	if err := r.SetPlayerLeaf(ctx, "Alex", "east", time.Minute); err != nil {
		t.Fatalf("SetPlayerLeaf failed: %v", err)
	}
	leaf, ok, err := r.Locate(ctx, "ALEX")
	if err != nil || !ok || leaf != "east" {
		t.Fatalf("Locate = %q, %v, %v; want east, true, nil", leaf, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := r.Locate(ctx, "alex"); ok {
		t.Error("entry survived its ttl")
	}

	r.SetPlayerLeaf(ctx, "alex", "west", 0)
	if err := r.RemovePlayer(ctx, "alex"); err != nil {
		t.Fatalf("RemovePlayer failed: %v", err)
	}
	if _, ok, _ := r.Locate(ctx, "alex"); ok {
		t.Error("entry survived RemovePlayer")
	}
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, addr, "", 0); err == nil {
		t.Error("NewRedis succeeded against a closed server")
	}
}
