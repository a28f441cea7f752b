// SPDX-License-Identifier: MPL-2.0

package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNew(t *testing.T) {
	t.Parallel()

	a := New(KindStartSucceeded, "dev-1", map[string]any{"grpc_port": 1})
	b := New(KindStartSucceeded, "dev-1", nil)

	if a.ID == b.ID {
		t.Error("New() produced duplicate ids")
	}
	if a.Time.IsZero() {
		t.Error("New() did not stamp the time")
	}
	if a.IsFailure() {
		t.Error("start.succeeded should not be a failure")
	}
	if got := a.WithErr(errors.New("boom")); !got.IsFailure() || got.Err != "boom" {
		t.Errorf("WithErr() = %+v", got)
	}
	if got := a.WithErr(nil); got.Err != "" {
		t.Errorf("WithErr(nil) set Err = %q", got.Err)
	}
}

func TestMultiAndRecorder(t *testing.T) {
	t.Parallel()

	r1, r2 := NewRecorder(), NewRecorder()
	var calls int
	m := Multi{r1, nil, r2, ReporterFunc(func(Event) { calls++ })}

	m.Record(New(KindStateChanged, "", nil))
	m.Record(New(KindServerTerminated, "", nil))

	for i, r := range []*Recorder{r1, r2} {
		kinds := r.Kinds()
		if len(kinds) != 2 || kinds[0] != KindStateChanged || kinds[1] != KindServerTerminated {
			t.Errorf("recorder %d kinds = %v", i, kinds)
		}
	}
	if calls != 2 {
		t.Errorf("func reporter calls = %d, want 2", calls)
	}
	if n := r1.Count(KindServerTerminated); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if _, ok := r1.Last(KindDispatchFailed); ok {
		t.Error("Last() found an event that was never recorded")
	}
	Discard.Record(New(KindStateChanged, "", nil))
}

func TestRecorderConcurrent(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() { r.Record(New(KindDispatchCompleted, "", nil)) })
	}
	wg.Wait()

	if n := r.Count(KindDispatchCompleted); n != 50 {
		t.Errorf("Count() = %d, want 50", n)
	}
}

func TestLogReporter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewLogReporter(log.NewWithOptions(&buf, log.Options{Formatter: log.LogfmtFormatter}))

	r.Record(New(KindStartSucceeded, "dev-1", map[string]any{"grpc_port": 4242}))
	r.Record(New(KindDispatchFailed, "dev-1", nil).WithErr(errors.New("executor exploded")))

	out := buf.String()
	for _, want := range []string{"start.succeeded", "grpc_port=4242", "level=warn", "executor exploded"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestFileReporter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "events.ndjson")
	r, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	r.Record(New(KindStartSucceeded, "dev-1", nil))
	r.Record(New(KindServerTerminated, "dev-1", map[string]any{"outcome": "success"}))
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	r.Record(New(KindStateChanged, "dev-1", nil))
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var kinds []Kind
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[1] != KindServerTerminated {
		t.Errorf("file kinds = %v, want [start.succeeded server.terminated]", kinds)
	}
}

func TestSQLiteReporter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	r, err := OpenSQLite(ctx, "sqlite://"+path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer r.Close()

	first := New(KindStartSucceeded, "dev-1", map[string]any{"grpc_port": float64(10882)})
	r.Record(first)
	r.Record(New(KindStartSucceeded, "dev-2", nil))
	r.Record(New(KindServerTerminated, "dev-1", nil).WithErr(errors.New("target lost")))

	all, err := r.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d events, want 3", len(all))
	}

	dev1, err := r.List(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("List(dev-1) error = %v", err)
	}
	if len(dev1) != 2 {
		t.Fatalf("List(dev-1) returned %d events, want 2", len(dev1))
	}
	if dev1[0].ID != first.ID {
		t.Errorf("first id = %s, want %s", dev1[0].ID, first.ID)
	}
	if got := dev1[0].Fields["grpc_port"]; got != float64(10882) {
		t.Errorf("fields[grpc_port] = %v", got)
	}
	if dev1[1].Err != "target lost" {
		t.Errorf("Err = %q", dev1[1].Err)
	}

	limited, err := r.List(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("List(limit=1) returned %d events", len(limited))
	}
}
