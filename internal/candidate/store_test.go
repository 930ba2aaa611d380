package candidate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, codec Codec) *Store {
	t.Helper()
	return NewStore(t.TempDir(), codec)
}

func codecs() []Codec {
	return []Codec{JSONLCodec{}, MsgpackCodec{}}
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			s := newTestStore(t, codec)

			stages := []Stage{StageGenerated, StageRefined, StageBuildFailed, StageRepaired, StageBuildSucceeded}
			for i, st := range stages {
				a, err := s.Append("src/a.cc", Attempt{Stage: st, Text: fmt.Sprintf("v%d", i), Digest: "d1"})
				if err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
				if a.Seq != i {
					t.Errorf("Seq = %d, want %d", a.Seq, i)
				}
				if a.Unit != "src/a.cc" {
					t.Errorf("Unit = %q", a.Unit)
				}
				if a.CreatedAt.IsZero() {
					t.Error("CreatedAt should be set")
				}
			}

			h, err := s.History("src/a.cc")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(h) != len(stages) {
				t.Fatalf("len(History) = %d, want %d", len(h), len(stages))
			}
			for i, a := range h {
				if a.Seq != i || a.Stage != stages[i] {
					t.Errorf("History[%d] = seq %d stage %s", i, a.Seq, a.Stage)
				}
			}
		})
	}
}

func TestAppendRejectsInvalidStage(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Append("a.cc", Attempt{Stage: "bogus"}); err == nil {
		t.Fatal("expected error for invalid stage")
	}
	if _, err := s.Append("", Attempt{Stage: StageGenerated}); err == nil {
		t.Fatal("expected error for empty unit")
	}
}

func TestReplayAfterReopen(t *testing.T) {
	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			dir := t.TempDir()
			s := NewStore(dir, codec)
			diag := &Diagnostic{Kind: FailureSyntaxError, Signature: "syntax_error|a.cc:3|expected ;", Text: "a.cc:3:1: error: expected ;", ExitCode: 2}
			if _, err := s.Append("a.cc", Attempt{Stage: StageGenerated, Text: "g"}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Append("a.cc", Attempt{Stage: StageBuildFailed, Text: "g", Diagnostic: diag}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.RecordOutcome("a.cc", Outcome{RunID: "r1", Kind: OutcomeExhausted, Diagnostic: diag}); err != nil {
				t.Fatal(err)
			}

			reopened := NewStore(dir, codec)
			h, err := reopened.History("a.cc")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(h) != 2 {
				t.Fatalf("len(History) = %d, want 2", len(h))
			}
			if h[1].Diagnostic == nil || h[1].Diagnostic.Signature != diag.Signature {
				t.Errorf("diagnostic not round-tripped: %+v", h[1].Diagnostic)
			}
			o, err := reopened.Outcome("a.cc")
			if err != nil {
				t.Fatalf("Outcome: %v", err)
			}
			if o.Kind != OutcomeExhausted || o.RunID != "r1" {
				t.Errorf("Outcome = %+v", o)
			}

			next, err := reopened.Append("a.cc", Attempt{Stage: StageGenerated})
			if err != nil {
				t.Fatal(err)
			}
			if next.Seq != 2 {
				t.Errorf("Seq after reopen = %d, want 2", next.Seq)
			}
		})
	}
}

func TestReplayTruncatesTornTail(t *testing.T) {
	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			dir := t.TempDir()
			s := NewStore(dir, codec)
			if _, err := s.Append("a.cc", Attempt{Stage: StageGenerated, Text: "one"}); err != nil {
				t.Fatal(err)
			}

			path := filepath.Join(s.unitDir("a.cc"), "journal"+codec.Ext())
			torn, err := codec.Marshal(Entry{Kind: EntryAttempt, Attempt: &Attempt{Seq: 1, Stage: StageRefined}})
			if err != nil {
				t.Fatal(err)
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			f.Write(torn[:len(torn)/2])
			f.Close()

			reopened := NewStore(dir, codec)
			h, err := reopened.History("a.cc")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(h) != 1 {
				t.Fatalf("len(History) = %d, want 1 (torn record dropped)", len(h))
			}
			a, err := reopened.Append("a.cc", Attempt{Stage: StageRefined, Text: "two"})
			if err != nil {
				t.Fatal(err)
			}
			if a.Seq != 1 {
				t.Errorf("Seq = %d, want 1", a.Seq)
			}

			third := NewStore(dir, codec)
			h, err = third.History("a.cc")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(h) != 2 || h[1].Text != "two" {
				t.Errorf("History after repair = %+v", h)
			}
		})
	}
}

func TestLatestAndOutcomeNotFound(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Latest("missing.cc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest err = %v, want ErrNotFound", err)
	}
	if _, err := s.Outcome("missing.cc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Outcome err = %v, want ErrNotFound", err)
	}
}

func TestRecordOutcomeOncePerRun(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.RecordOutcome("a.cc", Outcome{RunID: "r1", Kind: OutcomeSucceeded}); err != nil {
		t.Fatal(err)
	}
	_, err := s.RecordOutcome("a.cc", Outcome{RunID: "r1", Kind: OutcomeAborted})
	if !errors.Is(err, ErrOutcomeRecorded) {
		t.Fatalf("err = %v, want ErrOutcomeRecorded", err)
	}
	if _, err := s.RecordOutcome("a.cc", Outcome{RunID: "r2", Kind: OutcomeExhausted}); err != nil {
		t.Fatal(err)
	}
	o, _ := s.Outcome("a.cc")
	if o.RunID != "r2" {
		t.Errorf("latest outcome run = %q, want r2", o.RunID)
	}
	all, _ := s.Outcomes("a.cc")
	if len(all) != 2 {
		t.Errorf("len(Outcomes) = %d, want 2", len(all))
	}
}

func TestConcurrentAppendsPerUnit(t *testing.T) {
	s := newTestStore(t, nil)
	units := []string{"a.cc", "b.cc", "c.cc"}
	const perUnit = 20

	var wg sync.WaitGroup
	for _, u := range units {
		for i := 0; i < perUnit; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if _, err := s.Append(u, Attempt{Stage: StageGenerated}); err != nil {
					t.Errorf("Append: %v", err)
				}
			}(u)
		}
	}
	wg.Wait()

	for _, u := range units {
		h, err := s.History(u)
		if err != nil {
			t.Fatal(err)
		}
		if len(h) != perUnit {
			t.Fatalf("%s: len = %d, want %d", u, len(h), perUnit)
		}
		for i, a := range h {
			if a.Seq != i {
				t.Errorf("%s: History[%d].Seq = %d", u, i, a.Seq)
			}
		}
	}
}

func TestListUnits(t *testing.T) {
	s := newTestStore(t, nil)
	if ids, err := s.List(); err != nil || len(ids) != 0 {
		t.Fatalf("List on empty store = %v, %v", ids, err)
	}
	for _, u := range []string{"src/b.cc", "a.cc", "src/nested/a.cc"} {
		if _, err := s.Append(u, Attempt{Stage: StageGenerated}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.cc", "src/b.cc", "src/nested/a.cc"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("List = %v, want %v", ids, want)
	}
}

func TestCandidateView(t *testing.T) {
	h := []Attempt{
		{Seq: 0, Stage: StageGenerated},
		{Seq: 1, Stage: StageRefined},
		{Seq: 2, Stage: StageBuildFailed},
	}
	c, ok := Candidate(h)
	if !ok || c.Seq != 2 {
		t.Errorf("Candidate = %+v, %v", c, ok)
	}
	if _, ok := Candidate(h[:1]); ok {
		t.Error("a generated-only history has no candidate")
	}
	if l, ok := Latest(h); !ok || l.Seq != 2 {
		t.Errorf("Latest = %+v", l)
	}
}

func TestAtomicWriteCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.json")
	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got["n"] != 1 {
		t.Errorf("got %v", got)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "sub"))
	for _, e := range entries {
		if e.Name() != "file.json" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestCodecFor(t *testing.T) {
	for _, name := range []string{"", "jsonl", "msgpack"} {
		if _, err := CodecFor(name); err != nil {
			t.Errorf("CodecFor(%q): %v", name, err)
		}
	}
	if _, err := CodecFor("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
