package version

import (
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"0.4", 0, 4},
		{"1.1", 1, 1},
		{"2.0", 2, 0},
		{"10.23", 10, 23},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v.Major != tt.major {
				t.Errorf("Major = %d, want %d", v.Major, tt.major)
			}
			if v.Minor != tt.minor {
				t.Errorf("Minor = %d, want %d", v.Minor, tt.minor)
			}
			if v.String() != tt.input {
				t.Errorf("String() = %q, want %q", v.String(), tt.input)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1"} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0", "1.3", true},
		{"1.0", "2.0", false},
		{"0.4", "0.4", true},
		{"0.4", "0.5", false},
		{"0.4", "1.4", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"~"+tt.b, func(t *testing.T) {
			a, _ := Parse(tt.a)
			b, _ := Parse(tt.b)
			if got := a.Compatible(b); got != tt.want {
				t.Errorf("%s.Compatible(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got := b.Compatible(a); got != tt.want {
				t.Errorf("%s.Compatible(%s) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestUserAgentRoundTrip(t *testing.T) {
	v, err := FromUserAgent(UserAgent())
	if err != nil {
		t.Fatalf("FromUserAgent(%q) error: %v", UserAgent(), err)
	}
	if v.String() != Current {
		t.Errorf("version = %s, want %s", v, Current)
	}

	v, err = FromUserAgent("subplex-go/1.2 subplex-watch")
	if err != nil || v.Major != 1 || v.Minor != 2 {
		t.Errorf("FromUserAgent with extra token = %v, %v", v, err)
	}

	for _, ua := range []string{"", "curl/8.0", "subplex-go/", "subplex-go/x.y"} {
		if _, err := FromUserAgent(ua); err == nil {
			t.Errorf("FromUserAgent(%q) should return error", ua)
		}
	}
}
