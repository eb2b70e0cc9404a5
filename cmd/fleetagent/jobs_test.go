package main

import (
	"context"
	"testing"
	"time"
)

func TestNewCronSkipsEmptySpecs(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }
	c, err := newCron(context.Background(), time.UTC, []jobSpec{
		{name: "cleanup", spec: "@daily", run: noop},
		{name: "refresh", spec: "*/30 * * * * *", run: noop},
		{name: "batch", spec: "", run: noop},
	})
	if err != nil {
		t.Fatalf("newCron: %v", err)
	}
	if n := len(c.Entries()); n != 2 {
		t.Fatalf("expected 2 scheduled jobs, got %d", n)
	}
}

func TestNewCronRejectsBadSpec(t *testing.T) {
	_, err := newCron(context.Background(), time.UTC, []jobSpec{
		{name: "broken", spec: "every now and then", run: func(ctx context.Context) error { return nil }},
	})
	if err == nil {
		t.Fatal("expected error for invalid spec")
	}
}
