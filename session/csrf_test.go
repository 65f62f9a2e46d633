package session

import (
	"errors"
	"testing"
	"time"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func TestCSRFIssueAndVerify(t *testing.T) {
	mgr, err := NewCSRFManager(testSigningKey, time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	token, err := mgr.Issue("sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := mgr.Verify(token, "sid-1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestCSRFRejectsWrongSession(t *testing.T) {
	mgr, err := NewCSRFManager(testSigningKey, time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	token, err := mgr.Issue("sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := mgr.Verify(token, "sid-2"); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected ErrCSRFInvalid for wrong session, got %v", err)
	}
}

func TestCSRFRejectsExpiredToken(t *testing.T) {
	mgr, err := NewCSRFManager(testSigningKey, time.Millisecond)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	token, err := mgr.Issue("sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if err := mgr.Verify(token, "sid-1"); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected ErrCSRFInvalid for expired token, got %v", err)
	}
}

func TestCSRFRejectsForeignKey(t *testing.T) {
	issuer, err := NewCSRFManager(testSigningKey, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	verifier, err := NewCSRFManager([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	token, err := issuer.Issue("sid-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := verifier.Verify(token, "sid-1"); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected ErrCSRFInvalid for foreign signature, got %v", err)
	}
}

func TestCSRFRejectsGarbage(t *testing.T) {
	mgr, err := NewCSRFManager(testSigningKey, time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if err := mgr.Verify(token, "sid-1"); !errors.Is(err, ErrCSRFInvalid) {
			t.Fatalf("token %q: expected ErrCSRFInvalid, got %v", token, err)
		}
	}
}

func TestCSRFRequiresStrongKey(t *testing.T) {
	if _, err := NewCSRFManager([]byte("short"), time.Hour); err == nil {
		t.Fatal("expected an error for a short signing key")
	}
}

func TestDecodeRejectsBadRecords(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "{broken"},
		{"zero version", `{"v":0,"uid":"u1"}`},
		{"future version", `{"v":99,"uid":"u1"}`},
		{"missing user", `{"v":1}`},
	}

	for _, tc := range cases {
		if _, err := Decode([]byte(tc.data)); !errors.Is(err, ErrCorruptSession) {
			t.Fatalf("%s: expected ErrCorruptSession, got %v", tc.name, err)
		}
	}
}
