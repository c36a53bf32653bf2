package shared

import (
	"testing"
)

func TestWipeByteArray_ZerosBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	WipeByteArray(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("expected buf[%d]==0, got %d", i, v)
		}
	}
}

func TestWipeByteArray_NilSafe(t *testing.T) {
	WipeByteArray(nil)
}

// ---------- GenerateRandByteArray ----------

func TestGenerateRandByteArray_Basic(t *testing.T) {
	const n = 24
	buf := GenerateRandByteArray(n)
	if buf == nil {
		t.Fatalf("expected non-nil slice")
	}
	if len(buf) != n {
		t.Fatalf("expected length %d, got %d", n, len(buf))
	}
}

func TestGenerateRandByteArray_EntropyHint(t *testing.T) {
	const n = 32
	a := GenerateRandByteArray(n)
	b := GenerateRandByteArray(n)

	if len(a) != n || len(b) != n {
		t.Fatalf("unexpected lengths: %d, %d", len(a), len(b))
	}

	identical := true
	for i := range a {
		if a[i] != b[i] {
			identical = false
			break
		}
	}
	if identical {
		t.Logf("warning: two GenerateRandByteArray(%d) results are identical; extremely unlikely", n)
	}
}

// ---------- RandomDigits ----------

func TestRandomDigits_Shape(t *testing.T) {
	for i := 0; i < 200; i++ {
		s, err := RandomDigits(6)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(s) != 6 {
			t.Fatalf("expected 6 digits, got %q", s)
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in %q", s)
			}
		}
	}
}

func TestRandomDigits_InvalidLength(t *testing.T) {
	if _, err := RandomDigits(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}
