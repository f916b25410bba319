package auth

import (
	"encoding/base64"
	"testing"
)

func TestStore_PlainAuthentication(t *testing.T) {
	s := NewStore()
	if err := s.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	cred := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))
	if !s.Authenticate("PLAIN", cred) {
		t.Fatal("expected correct PLAIN credential to authenticate")
	}
	wrong := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrongpass"))
	if s.Authenticate("PLAIN", wrong) {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestStore_LoginAuthentication(t *testing.T) {
	s := NewStore()
	if err := s.SetPassword("bob", "correcthorse"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	cred := base64.StdEncoding.EncodeToString([]byte("bob")) + "\x00" + base64.StdEncoding.EncodeToString([]byte("correcthorse"))
	if !s.Authenticate("LOGIN", cred) {
		t.Fatal("expected correct LOGIN credential to authenticate")
	}
}

func TestStore_UnknownUserRejected(t *testing.T) {
	s := NewStore()
	cred := base64.StdEncoding.EncodeToString([]byte("\x00ghost\x00whatever"))
	if s.Authenticate("PLAIN", cred) {
		t.Fatal("expected unknown user to be rejected")
	}
}

func TestStore_RemoveUser(t *testing.T) {
	s := NewStore()
	s.SetPassword("carol", "pw")
	s.RemoveUser("carol")
	cred := base64.StdEncoding.EncodeToString([]byte("\x00carol\x00pw"))
	if s.Authenticate("PLAIN", cred) {
		t.Fatal("expected removed user to be rejected")
	}
}

func TestStore_UnrecognisedMechanismRejected(t *testing.T) {
	s := NewStore()
	if s.Authenticate("CRAM-MD5", "anything") {
		t.Fatal("expected unrecognised mechanism to be rejected")
	}
}
