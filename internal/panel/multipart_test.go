package panel

import (
	"bytes"
	"errors"
	"testing"
)

func TestAssemblerOrderedFragments(t *testing.T) {
	whole := make([]byte, 300)
	for i := range whole {
		whole[i] = byte(i)
	}

	a := newAssembler()
	steps := []struct{ off, n int }{{0, 128}, {128, 128}, {256, 44}}
	for i, s := range steps {
		done, err := a.Add(300, s.off, whole[s.off:s.off+s.n])
		if err != nil {
			t.Fatal(err)
		}
		if done != (i == len(steps)-1) {
			t.Fatalf("step %d: done = %v", i, done)
		}
	}
	if !bytes.Equal(a.Bytes(), whole) {
		t.Error("reassembled buffer differs from original")
	}
}

func TestAssemblerOverlappingFragments(t *testing.T) {
	whole := []byte("the quick brown fox jumps over the lazy dog")

	a := newAssembler()
	frags := []struct{ off, n int }{{0, 10}, {8, 12}, {15, 20}, {30, 13}}
	var done bool
	for i, fr := range frags {
		var err error
		done, err = a.Add(len(whole), fr.off, whole[fr.off:fr.off+fr.n])
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
	}
	if !done {
		t.Fatal("overlapping fragments cover the whole, want done")
	}
	if !bytes.Equal(a.Bytes(), whole) {
		t.Error("reassembled buffer differs from original")
	}
}

func TestAssemblerOutOfRange(t *testing.T) {
	a := newAssembler()
	if _, err := a.Add(10, 8, []byte{1, 2, 3}); !errors.Is(err, ErrFragmentOutOfRange) {
		t.Errorf("err = %v, want ErrFragmentOutOfRange", err)
	}
}

func TestAssemblerWholeLengthChangeRestarts(t *testing.T) {
	a := newAssembler()
	if _, err := a.Add(10, 0, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}

	// A different whole length restarts the buffer.
	done, err := a.Add(4, 0, []byte{9, 9, 9, 9})
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("restarted buffer fully covered, want done")
	}
	if !bytes.Equal(a.Bytes(), []byte{9, 9, 9, 9}) {
		t.Errorf("buffer = %v", a.Bytes())
	}
}

func TestAssemblerSingleFragment(t *testing.T) {
	a := newAssembler()
	done, err := a.Add(4, 0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("single full fragment should complete")
	}
}
