package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0xABCDEF1234567890123456789012345678901234 ")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if addr != common.HexToAddress("0xabcdef1234567890123456789012345678901234") {
		t.Errorf("unexpected address %s", addr.Hex())
	}

	if _, err := ParseAddress("0x0000000000000000000000000000000000000000"); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("expected ErrZeroAddress, got %v", err)
	}
	if _, err := ParseAddress("nope"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if !apperr.Is(ErrZeroAddress, apperr.Validation) {
		t.Error("address errors should be validation errors")
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", "Alice"),
		ValidAddress("payee", "0x1234567890123456789012345678901234567890"),
	)
	if len(errs) != 0 || errs.Err() != nil {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("name", ""),
		ValidAddress("payee", "invalid"),
		ValidAddress("payer", "0x0000000000000000000000000000000000000000"),
	)
	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d", len(errs))
	}
	if !apperr.Is(errs.Err(), apperr.Validation) {
		t.Error("Err() should classify as validation")
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1000", true},
		{"1", true},
		{"", true},

		{"0", false},
		{"1.5", false},
		{"-1", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("name", "abc", 3)(); err != nil {
		t.Errorf("unexpected error at limit: %v", err)
	}
	if err := MaxLength("name", "abcd", 3)(); err == nil {
		t.Error("expected error over limit")
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/agents/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/agents/0x1234567890123456789012345678901234567890", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid address: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/agents/bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid address: got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"much too long"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to fail, got %d", w.Code)
	}
}
