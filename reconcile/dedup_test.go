package reconcile

import (
	"context"
	"testing"
)

func TestCheckAllSent(t *testing.T) {
	ctx := context.Background()
	d := NewDedup(newMemStore())

	if err := d.CreateNotification(ctx, testUser, "A"); err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}

	sent, err := d.CheckAllSent(ctx, testUser, []string{"A", "B"})
	if err != nil {
		t.Fatalf("CheckAllSent() error = %v", err)
	}
	if sent {
		t.Error("CheckAllSent({A,B}) = true with only A recorded")
	}

	if err := d.CreateNotification(ctx, testUser, "B"); err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}
	sent, err = d.CheckAllSent(ctx, testUser, []string{"A", "B"})
	if err != nil {
		t.Fatalf("CheckAllSent() error = %v", err)
	}
	if !sent {
		t.Error("CheckAllSent({A,B}) = false after both recorded")
	}
}

func TestCheckAllSentSetSemantics(t *testing.T) {
	ctx := context.Background()
	d := NewDedup(newMemStore())
	if err := d.CreateNotification(ctx, testUser, "A"); err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}

	tests := []struct {
		name string
		ids  []string
		want bool
	}{
		{name: "empty set", ids: nil, want: true},
		{name: "duplicates collapse", ids: []string{"A", "A", "A"}, want: true},
		{name: "duplicate plus missing", ids: []string{"A", "A", "C"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.CheckAllSent(ctx, testUser, tt.ids)
			if err != nil {
				t.Fatalf("CheckAllSent() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckAllSent(%v) = %v, want %v", tt.ids, got, tt.want)
			}
		})
	}
}

func TestCreateNotificationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := NewDedup(store)

	for range 2 {
		if err := d.CreateNotification(ctx, testUser, "A"); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
	}
	has, err := d.HasNotification(ctx, testUser, "A")
	if err != nil || !has {
		t.Errorf("HasNotification() = %v, %v; want true, nil", has, err)
	}
	has, err = d.HasNotification(ctx, testUser+1, "A")
	if err != nil || has {
		t.Errorf("records must be scoped per user, got %v, %v", has, err)
	}
}
