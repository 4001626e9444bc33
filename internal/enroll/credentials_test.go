package enroll

import "testing"

func TestGenerateCredential(t *testing.T) {
	plaintext, hash, err := GenerateCredential()
	if err != nil {
		t.Fatalf("GenerateCredential failed: %v", err)
	}
	if len(plaintext) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(plaintext))
	}
	if plaintext == hash {
		t.Error("Hash must not equal plaintext")
	}
	if !VerifyCredential(hash, plaintext) {
		t.Error("Generated credential must verify against its own hash")
	}
	if VerifyCredential(hash, "wrong") {
		t.Error("Wrong credential must not verify")
	}
}

func TestGenerateCredential_Unique(t *testing.T) {
	a, _, err := GenerateCredential()
	if err != nil {
		t.Fatalf("GenerateCredential failed: %v", err)
	}
	b, _, err := GenerateCredential()
	if err != nil {
		t.Fatalf("GenerateCredential failed: %v", err)
	}
	if a == b {
		t.Error("Credentials must be unique")
	}
}
