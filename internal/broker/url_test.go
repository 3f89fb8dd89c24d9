package broker

import (
	"strings"
	"testing"
)

func TestNewNormalizesBaseURL(t *testing.T) {
	testCases := []struct {
		api  string
		want string
	}{
		{"127.0.0.1:9001", "http://127.0.0.1:9001/2018-06-01/runtime"},
		{"http://localhost:9001/", "http://localhost:9001/2018-06-01/runtime"},
	}
	for _, tc := range testCases {
		c := New(tc.api, nil, nil)
		if c.baseURL != tc.want {
			t.Errorf("New(%q).baseURL = %q, want %q", tc.api, c.baseURL, tc.want)
		}
		if !strings.HasPrefix(c.baseURL, "http://") {
			t.Errorf("missing scheme in %q", c.baseURL)
		}
	}
}
