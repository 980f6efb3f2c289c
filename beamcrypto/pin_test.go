package beamcrypto

import "testing"

func TestHashAndVerifyPIN(t *testing.T) {
	hash, err := HashPIN("123456")
	if err != nil {
		t.Fatalf("HashPIN failed: %v", err)
	}

	ok, err := VerifyPIN(hash, "123456")
	if err != nil {
		t.Fatalf("VerifyPIN failed: %v", err)
	}
	if !ok {
		t.Fatalf("correct PIN rejected")
	}

	ok, err = VerifyPIN(hash, "654321")
	if err != nil {
		t.Fatalf("VerifyPIN failed: %v", err)
	}
	if ok {
		t.Fatalf("wrong PIN accepted")
	}
}

func TestHashPINUniqueSalts(t *testing.T) {
	one, err := HashPIN("0000")
	if err != nil {
		t.Fatalf("HashPIN failed: %v", err)
	}
	two, err := HashPIN("0000")
	if err != nil {
		t.Fatalf("HashPIN failed: %v", err)
	}
	if one == two {
		t.Fatalf("expected unique salts per hash")
	}
}

func TestVerifyPINMalformedHash(t *testing.T) {
	if _, err := VerifyPIN("not-a-hash", "1234"); err == nil {
		t.Fatalf("expected malformed hash error")
	}
}
