package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidDigest(t *testing.T) {
	tests := []struct {
		digest string
		valid  bool
	}{
		{strings.Repeat("a", 64), true},
		{"E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855", true},
		{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", true},

		// Invalid cases
		{strings.Repeat("a", 63), false},        // Too short
		{strings.Repeat("a", 65), false},        // Too long
		{"0x" + strings.Repeat("a", 62), false}, // Prefixed
		{strings.Repeat("g", 64), false},        // Invalid chars
		{"/account/login", false},               // Raw path
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidDigest(tc.digest)
		if result != tc.valid {
			t.Errorf("IsValidDigest(%q) = %v, want %v", tc.digest, result, tc.valid)
		}
	}
}

func TestIsSignalShaped(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"dom_password_field", true},
		{"url_login", true},
		{"future_signal_v2", true},

		{"", false},
		{"DOM_PASSWORD", false},
		{"_leading", false},
		{"dom password", false},
		{strings.Repeat("a", 65), false},
	}

	for _, tc := range tests {
		if got := IsSignalShaped(tc.code); got != tc.valid {
			t.Errorf("IsSignalShaped(%q) = %v, want %v", tc.code, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("url", "https://shop.example/"),
		ValidTabID("tab_id", 3),
		ValidDigest("action_path_hash", ""),
		ValidSignals("signals", []string{"dom_login_form"}),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("url", ""),
		ValidTabID("tab_id", 0),
		ValidDigest("action_path_hash", "/login"),
		ValidSignals("signals", []string{"Bad Code"}),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
	if errors.Error() != "url: is required" {
		t.Errorf("Unexpected error text %q", errors.Error())
	}
}

func TestValidSignals_TooMany(t *testing.T) {
	codes := make([]string, MaxSignals+1)
	for i := range codes {
		codes[i] = "url_login"
	}
	if err := ValidSignals("signals", codes)(); err == nil {
		t.Error("Expected error for too many signal codes")
	}
}

func TestValidSignals_MalformedCodesPass(t *testing.T) {
	if err := ValidSignals("signals", []string{"Bad Code", "<script>", "dom_login_form"})(); err != nil {
		t.Errorf("Expected malformed codes to be left for filtering, got %v", err)
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestDomainParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/domains/:domain", DomainParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("domain"))
	})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/domains/Login.Shop.Example", http.StatusOK, "shop.example"},
		{"/domains/bbc.co.uk", http.StatusOK, "bbc.co.uk"},
		{"/domains/bad!host", http.StatusBadRequest, ""},
	}

	for _, tc := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.path, w.Code, tc.status)
		}
		if tc.body != "" && w.Body.String() != tc.body {
			t.Errorf("%s: body = %q, want %q", tc.path, w.Body.String(), tc.body)
		}
	}
}
