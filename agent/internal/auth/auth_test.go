package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"fleetguard/agent/internal/db"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	adb, err := db.Init(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	return adb
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "agent-1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestSaveLoadRoundTrip(t *testing.T) {
	adb := testDB(t)

	if err := Save(adb, "agent-1", "credential-one"); err != nil {
		t.Fatalf("save: %v", err)
	}

	agentID, credential, err := Load(adb)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if agentID != "agent-1" || credential != "credential-one" {
		t.Fatalf("loaded %s / %s", agentID, credential)
	}
}

func TestSaveReplacesPriorCredential(t *testing.T) {
	adb := testDB(t)

	if err := Save(adb, "agent-1", "first"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(adb, "agent-2", "second"); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	agentID, credential, err := Load(adb)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if agentID != "agent-2" || credential != "second" {
		t.Fatalf("loaded %s / %s, want the replacement", agentID, credential)
	}

	var n int64
	adb.Model(&db.Credential{}).Count(&n)
	if n != 1 {
		t.Fatalf("credential rows = %d, want 1", n)
	}
}

func TestLoadWithoutCredential(t *testing.T) {
	adb := testDB(t)

	if _, _, err := Load(adb); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}

func TestDeleteRemovesCredential(t *testing.T) {
	adb := testDB(t)

	if err := Save(adb, "agent-1", "credential"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Delete(adb); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := Load(adb); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential after delete", err)
	}
}

func TestCredentialSealedAtRest(t *testing.T) {
	adb := testDB(t)

	if err := Save(adb, "agent-1", "super-secret-credential"); err != nil {
		t.Fatalf("save: %v", err)
	}

	var row db.Credential
	if err := adb.First(&row).Error; err != nil {
		t.Fatalf("read row: %v", err)
	}
	if string(row.Sealed) == "super-secret-credential" {
		t.Fatal("credential stored in plaintext")
	}
	if len(row.Sealed) <= len("super-secret-credential") {
		t.Fatalf("sealed blob too short (%d bytes)", len(row.Sealed))
	}
}

func TestExpiryReadsClaim(t *testing.T) {
	want := time.Now().Add(48 * time.Hour).Truncate(time.Second)

	exp, err := Expiry(signedToken(t, want))
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if !exp.Equal(want) {
		t.Fatalf("exp = %v, want %v", exp, want)
	}
}

func TestExpiryWithoutClaim(t *testing.T) {
	exp, err := Expiry(signedToken(t, time.Time{}))
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if !exp.IsZero() {
		t.Fatalf("exp = %v, want zero", exp)
	}
}

func TestExpiresSoon(t *testing.T) {
	soon := signedToken(t, time.Now().Add(time.Hour))
	far := signedToken(t, time.Now().Add(90*24*time.Hour))

	if !ExpiresSoon(soon, 24*time.Hour) {
		t.Fatal("token expiring in an hour not flagged")
	}
	if ExpiresSoon(far, 24*time.Hour) {
		t.Fatal("token expiring in 90 days flagged")
	}
	if ExpiresSoon("not-a-jwt", 24*time.Hour) {
		t.Fatal("malformed token flagged")
	}
}
