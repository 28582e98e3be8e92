package storage

import (
	"errors"
	"testing"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// both implementations must satisfy the same contract; every test runs
// against each.
func storages(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	return map[string]Storage{
		"file":   fs,
		"memory": NewMemoryStorage(),
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write("documents/notes.md", "hello"); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := s.Read("documents/notes.md")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got != "hello" {
				t.Errorf("Read = %q, want %q", got, "hello")
			}

			// replace
			if err := s.Write("documents/notes.md", "replaced"); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, _ = s.Read("documents/notes.md")
			if got != "replaced" {
				t.Errorf("Read after replace = %q, want %q", got, "replaced")
			}
		})
	}
}

func TestReadMissingKey(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read("nope.txt")
			if !errors.Is(err, protocol.ErrNotFound) {
				t.Errorf("Read missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppendAndReadFrom(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append("channel.jsonl", "line1\n"); err != nil {
				t.Fatalf("Append: %v", err)
			}
			content, off, err := s.ReadFrom("channel.jsonl", 0)
			if err != nil {
				t.Fatalf("ReadFrom: %v", err)
			}
			if content != "line1\n" {
				t.Errorf("ReadFrom = %q, want %q", content, "line1\n")
			}
			if off != int64(len("line1\n")) {
				t.Errorf("offset = %d, want %d", off, len("line1\n"))
			}

			if err := s.Append("channel.jsonl", "line2\n"); err != nil {
				t.Fatalf("Append: %v", err)
			}
			content, off2, err := s.ReadFrom("channel.jsonl", off)
			if err != nil {
				t.Fatalf("ReadFrom incremental: %v", err)
			}
			if content != "line2\n" {
				t.Errorf("incremental ReadFrom = %q, want %q", content, "line2\n")
			}
			if off2 != off+int64(len("line2\n")) {
				t.Errorf("offset = %d, want %d", off2, off+int64(len("line2\n")))
			}

			// nothing new
			content, off3, err := s.ReadFrom("channel.jsonl", off2)
			if err != nil || content != "" || off3 != off2 {
				t.Errorf("ReadFrom at end = (%q, %d, %v), want empty at same offset", content, off3, err)
			}
		})
	}
}

func TestReadFromMissingKey(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			content, off, err := s.ReadFrom("never-written.jsonl", 0)
			if err != nil {
				t.Fatalf("ReadFrom missing: %v", err)
			}
			if content != "" || off != 0 {
				t.Errorf("ReadFrom missing = (%q, %d), want empty at offset 0", content, off)
			}
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write("x.txt", "v"); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := s.Delete("x.txt"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete("x.txt"); err != nil {
				t.Errorf("second Delete: %v, want nil", err)
			}
			ok, _ := s.Exists("x.txt")
			if ok {
				t.Error("Exists after Delete = true, want false")
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			files := []string{"documents/notes.md", "documents/sub/plan.md", "documents/a.txt"}
			for _, f := range files {
				if err := s.Write(f, "x"); err != nil {
					t.Fatalf("Write %s: %v", f, err)
				}
			}
			if err := s.Write("channel.jsonl", "x"); err != nil {
				t.Fatalf("Write: %v", err)
			}

			keys, err := s.List("documents")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{"documents/a.txt", "documents/notes.md", "documents/sub/plan.md"}
			if len(keys) != len(want) {
				t.Fatalf("List = %v, want %v", keys, want)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Errorf("List[%d] = %q, want %q", i, keys[i], want[i])
				}
			}
		})
	}
}

func TestListMissingPrefix(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			keys, err := s.List("no-such-dir")
			if err != nil {
				t.Fatalf("List missing: %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("List missing = %v, want empty", keys)
			}
		})
	}
}

func TestKeyEscapeRejected(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Write("../escape.txt", "x"); !errors.Is(err, protocol.ErrInvalid) {
				t.Errorf("Write escape = %v, want ErrInvalid", err)
			}
			if _, err := s.Read(""); !errors.Is(err, protocol.ErrInvalid) {
				t.Errorf("Read empty key = %v, want ErrInvalid", err)
			}
		})
	}
}
