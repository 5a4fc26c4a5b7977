package projectstore

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "projects.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoad(t *testing.T) {
	s := openTemp(t)

	m := timeline.NewModel()
	src := m.AddSource(timeline.Source{ID: "s", Dt: 0.01, Frames: [][]float64{{0, 1}, {1, 2}, {2, 3}}})
	m.AddClipFromSource(src, timeline.ClipOptions{OutFrame: 3, Name: "reach"})
	want := m.Snapshot()

	if err := s.Save("demo", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load("demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	restored := timeline.NewModel()
	restored.Restore(got)
	if !reflect.DeepEqual(restored.Snapshot(), want) {
		t.Fatalf("snapshot mismatch:\nwant %+v\ngot  %+v", want, restored.Snapshot())
	}
}

func TestLoadMissing(t *testing.T) {
	s := openTemp(t)

	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTemp(t)
	for _, name := range []string{"b", "a", "c"} {
		if err := s.Save(name, timeline.Snapshot{}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	if err := s.Delete("b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a", "c"}) {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestSaveRequiresName(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("", timeline.Snapshot{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}
