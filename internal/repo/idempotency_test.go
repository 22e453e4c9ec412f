package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-tab-ledger/internal/domain"
)

func TestGetIdempotency_BlankTabOrKey_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	if rec, err := GetIdempotency(context.Background(), db, "a1", "   ", "k1", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for blank tab, got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "a1", "t1", "", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for blank key, got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	exp := &domain.Idempotency{
		ID: "expired", ActorID: "a1", TabID: "t1", Key: "k1", Status: 200,
		Response:  []byte(`{}`),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}

	if rec, err := GetIdempotency(context.Background(), db, "a1", "t1", "k1", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for expired, got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(context.Background(), db, "a1", "t1", "missing", now); rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for missing, got (%v, %v)", rec, err)
	}
}

func TestCreateIdempotency_SuccessDuplicateAndReuseAfterExpiry(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	start := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "a9", "t9", "k9", 200, []byte(`{"receipt":"r1"}`), 90*time.Minute)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ActorID != "a9" || rec.TabID != "t9" || rec.Key != "k9" || rec.Status != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !(rec.ExpiresAt.After(start) && rec.ExpiresAt.Before(start.Add(2*time.Hour))) {
		t.Fatalf("unexpected ExpiresAt: %v", rec.ExpiresAt)
	}

	got, err := GetIdempotency(ctx, db, "a9", "t9", "k9", time.Now().UTC())
	if err != nil || string(got.Response) != `{"receipt":"r1"}` {
		t.Fatalf("GetIdempotency = %+v, %v", got, err)
	}

	if _, err := CreateIdempotency(ctx, db, "a9", "t9", "k9", 200, []byte(`{}`), time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Force expiry; the key becomes reusable.
	db.Model(&domain.Idempotency{}).Where("id = ?", rec.ID).Update("expires_at", start.Add(-time.Minute))
	if _, err := CreateIdempotency(ctx, db, "a9", "t9", "k9", 200, []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("expected reuse after expiry, got %v", err)
	}
}

func TestCreateIdempotency_Error_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := CreateIdempotency(context.Background(), db, "aX", "tX", "kX", 200, []byte(`{}`), time.Minute)
	if err == nil {
		t.Fatalf("expected error when table is missing")
	}
	if err == ErrDuplicate {
		t.Fatalf("expected non-duplicate error, got ErrDuplicate")
	}
}
