package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileSplitsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rf := NewRotatingFile(path, 4, 1) // M=4 bytes, 1 backup

	if _, err := rf.Write([]byte("abcde")); err != nil { // M+1 bytes
		t.Fatalf("Write: %v", err)
	}
	rf.Close()

	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading current: %v", err)
	}
	if string(cur) != "e" {
		t.Errorf("current = %q, want %q", cur, "e")
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(backup) != "abcd" {
		t.Errorf("backup = %q, want %q", backup, "abcd")
	}
}

func TestRotatingFileDropsOldestBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rf := NewRotatingFile(path, 1, 2) // tiny threshold, 2 backups

	for i := 0; i < 5; i++ {
		if _, err := rf.Write([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	rf.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) > 3 { // current + .1 + .2
		t.Errorf("len(entries) = %d, want <= 3", len(entries))
	}
}

func TestRotatingFileRemoveAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auto.log")
	rf := NewAutoRotatingFile(dir, "auto.log", 0, 0)

	if _, err := rf.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := rf.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err = %v", path, err)
	}
}

func TestReadRangeWithinCurrentGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rf := NewRotatingFile(path, 0, 0)

	rf.Write([]byte("hello world"))

	data, newOffset, overflow, err := rf.ReadRange(6, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if overflow {
		t.Errorf("overflow = true, want false")
	}
	if string(data) != "world" {
		t.Errorf("data = %q, want %q", data, "world")
	}
	if newOffset != 11 {
		t.Errorf("newOffset = %d, want 11", newOffset)
	}
}

func TestReadRangeClampsOffsetPredatingCurrentGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rf := NewRotatingFile(path, 4, 1) // rotates every 4 bytes

	rf.Write([]byte("abcdefgh")) // "abcd" rotates to .1, "efgh" stays current
	if rf.AbsoluteSize() != 8 {
		t.Fatalf("AbsoluteSize() = %d, want 8", rf.AbsoluteSize())
	}

	data, newOffset, overflow, err := rf.ReadRange(0, 100)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !overflow {
		t.Errorf("overflow = false, want true (offset 0 predates current generation)")
	}
	if newOffset != 8 {
		t.Errorf("newOffset = %d, want 8 (clamped read start, full remaining generation)", newOffset)
	}
	if string(data) != "efgh" {
		t.Errorf("data = %q, want %q", data, "efgh")
	}
}

func TestRotatingFileUnboundedNeverRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unbounded.log")
	rf := NewRotatingFile(path, 0, 0)

	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		want.WriteByte('x')
	}
	if _, err := rf.Write(want.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rf.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("content mismatch: got %d bytes, want %d", len(got), want.Len())
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("expected no backup file for unbounded sink")
	}
}

func TestRotatingFileUnboundedRotateRetainsEveryGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unbounded.log")
	rf := NewRotatingFile(path, 0, 0)

	for i := 0; i < 3; i++ {
		if _, err := rf.Write([]byte(fmt.Sprintf("gen%d", i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := rf.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}
	rf.Close()

	for i, want := range []string{"gen0", "gen1", "gen2"} {
		name := fmt.Sprintf("%s.%d", path, i+1)
		got, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
	if _, err := os.Stat(fmt.Sprintf("%s.4", path)); !os.IsNotExist(err) {
		t.Errorf("expected no 4th backup, none of the first three should ever be dropped")
	}
}
