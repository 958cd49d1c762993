package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testRecord(decision string) Record {
	return Record{
		Timestamp: time.Now().UTC().Format(TimestampFormat),
		EntryID:   "aud-test",
		CycleID:   "c-test123",
		Stage:     StageAdmission,
		Actor:     ActorAutomated,
		Action:    &model.Action{ID: "act-1", Type: model.Rollback, Target: "svc-42", Priority: 9, Confidence: 0.85},
		Admission: &Admission{Decision: decision, Reason: "test reason"},
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Append(testRecord(Admitted)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(testRecord(Admitted)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	// Flip the decision on line 2; line 3's prev_hash no longer matches.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"admitted"`, `"rejected"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(testRecord(Admitted)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted record to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedRecord(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		l.Append(testRecord(Admitted))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fake := testRecord(Rejected)
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	if Verify(path).Valid {
		t.Fatal("expected chain with inserted record to be invalid")
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 {
		t.Fatalf("expected 0 lines, got %d", result.Lines)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(testRecord(Admitted))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestGenesisHashIsCorrect(t *testing.T) {
	l, path := newTestLog(t)
	l.Append(testRecord(Admitted))
	l.Close()

	data, _ := os.ReadFile(path)
	var rec Record
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec)

	if rec.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, rec.PrevHash)
	}
}

func TestHashLineFormat(t *testing.T) {
	h1 := HashLine([]byte(`{"entry_id":"aud-1"}`))
	h2 := HashLine([]byte(`{"entry_id":"aud-1"}`))
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s and %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") || len(h1) != 7+64 {
		t.Fatalf("unexpected hash string %q", h1)
	}
	if HashLine([]byte("a")) == HashLine([]byte("b")) {
		t.Fatal("expected different hashes for different inputs")
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(testRecord(Admitted))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Append(testRecord(Rejected))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestLargeExecutionResultFitsOnOneLine(t *testing.T) {
	l, path := newTestLog(t)
	big := strings.Repeat("x", 200*1024)
	payload, _ := json.Marshal(map[string]string{"log": big})
	if err := l.Append(Record{EntryID: "aud-big", Stage: StageExecution, Execution: &Execution{Status: ExecSucceeded, Result: payload}}); err != nil {
		t.Fatal(err)
	}
	l.Append(testRecord(Admitted))
	l.Close()

	if r := Verify(path); !r.Valid || r.Lines != 2 {
		t.Fatalf("verify = %+v", r)
	}
}

func TestEntryRedactedMasksResultOnly(t *testing.T) {
	raw := json.RawMessage(`{"run_id":42,"token":"s3cr3t"}`)
	e := Entry{ID: "aud-1", Execution: &Execution{Status: ExecFailed, Result: raw, Error: "dial postgres://fw:hunter2@db/fw"}}

	r := e.Redacted()
	if strings.Contains(string(r.Execution.Result), "s3cr3t") {
		t.Fatalf("token survived: %s", r.Execution.Result)
	}
	if strings.Contains(r.Execution.Error, "hunter2") {
		t.Fatalf("password survived: %s", r.Execution.Error)
	}
	if string(e.Execution.Result) != string(raw) {
		t.Fatal("original entry was modified")
	}
	if (Entry{ID: "aud-2"}).Redacted().Execution != nil {
		t.Fatal("entry without execution gained one")
	}
}
