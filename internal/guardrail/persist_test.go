package guardrail

import (
	"testing"
	"time"
)

func TestBadgerStoreRoundTrip(t *testing.T) {
	db, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	if err := db.SaveCooldown("rollback|svc-42", at); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCooldown("alert|svc-7", at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Overwrite keeps only the newest stamp.
	if err := db.SaveCooldown("rollback|svc-42", at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadCooldowns()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stamps, got %d", len(got))
	}
	if !got["rollback|svc-42"].Equal(at.Add(time.Minute)) {
		t.Errorf("rollback stamp = %v", got["rollback|svc-42"])
	}
	if !got["alert|svc-7"].Equal(at.Add(time.Hour)) {
		t.Errorf("alert stamp = %v", got["alert|svc-7"])
	}
}

func TestBadgerStorePrune(t *testing.T) {
	db, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = db.SaveCooldown("old", base)
	_ = db.SaveCooldown("new", base.Add(2*time.Hour))

	n, err := db.Prune(base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	got, _ := db.LoadCooldowns()
	if _, ok := got["old"]; ok {
		t.Error("old stamp should be gone")
	}
	if _, ok := got["new"]; !ok {
		t.Error("new stamp should remain")
	}
}
