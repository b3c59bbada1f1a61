package wallet

import (
	"strings"
	"testing"
)

func TestNormalizeChecksums(t *testing.T) {
	got, err := Normalize("0x52908400098527886e0f7030069857d2e4169ee7")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("unexpected checksum address %s", got)
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{"", "0x123", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		if _, err := Normalize(in); err != ErrInvalidAddress {
			t.Fatalf("expected invalid address for %q, got %v", in, err)
		}
	}
}

func TestEqualIgnoresCase(t *testing.T) {
	a := "0x52908400098527886E0F7030069857D2E4169EE7"
	if !Equal(a, strings.ToLower(a)) {
		t.Fatalf("expected addresses to be equal")
	}
	if Equal(a, "0x8617E340B3D01FA5F11F306F4090FD50E238070D") {
		t.Fatalf("expected addresses to differ")
	}
}

func TestNormalizeTxHash(t *testing.T) {
	in := "0xABCDEF0000000000000000000000000000000000000000000000000000000001"
	got, err := NormalizeTxHash(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != strings.ToLower(in) {
		t.Fatalf("unexpected hash %s", got)
	}
	if _, err := NormalizeTxHash("0x1234"); err != ErrInvalidTxHash {
		t.Fatalf("expected invalid hash error, got %v", err)
	}
}
