package auth

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/muxlink/muxlink/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.Session{}, &database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
}

func TestMintAndVerifyToken(t *testing.T) {
	setupTestDB(t)

	tok, err := MintToken("laptop")
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}

	client, err := VerifyToken(tok, time.Hour)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if client != "laptop" {
		t.Errorf("client = %q, want laptop", client)
	}
}

func TestVerifyToken_Invalid(t *testing.T) {
	setupTestDB(t)

	if _, err := VerifyToken("garbage", time.Hour); err == nil {
		t.Error("VerifyToken(garbage) unexpectedly succeeded")
	}
	if _, err := VerifyToken("", time.Hour); err == nil {
		t.Error("VerifyToken(empty) unexpectedly succeeded")
	}
}

func TestVerifyToken_KeyPersisted(t *testing.T) {
	setupTestDB(t)

	tok, err := MintToken("phone")
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}

	// The signing key must be in settings so tokens survive restarts.
	if _, err := database.GetSetting("fernet_key"); err != nil {
		t.Fatalf("fernet key not persisted: %v", err)
	}

	if _, err := VerifyToken(tok, time.Hour); err != nil {
		t.Errorf("VerifyToken() after reload error = %v", err)
	}
}

func TestMintToken_EmptyClient(t *testing.T) {
	setupTestDB(t)

	if _, err := MintToken(""); err == nil {
		t.Error("MintToken(\"\") unexpectedly succeeded")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"secret-token", "****oken"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
