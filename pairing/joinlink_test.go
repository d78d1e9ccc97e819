package pairing

import "testing"

func TestParseJoinLink(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want *JoinLink
	}{
		{
			name: "full URL with fragment",
			raw:  "https://app.example.com/join#sid=abc&jt=def&relay=https://relay.example.com",
			want: &JoinLink{SessionID: "abc", JoinToken: "def", RelayBaseURL: "https://relay.example.com"},
		},
		{
			name: "full URL with query instead of fragment",
			raw:  "https://app.example.com/join?sid=abc&jt=def",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
		{
			name: "bare fragment",
			raw:  "#sid=abc&jt=def",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
		{
			name: "bare query string",
			raw:  "?sid=abc&jt=def",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
		{
			name: "bare params",
			raw:  "sid=abc&jt=def",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
		{
			name: "relay origin keeps host, drops path and query",
			raw:  "#sid=abc&jt=def&relay=https://relay.example.com/some/path?x=1",
			want: &JoinLink{SessionID: "abc", JoinToken: "def", RelayBaseURL: "https://relay.example.com"},
		},
		{
			name: "non-http relay origin is discarded",
			raw:  "#sid=abc&jt=def&relay=ftp://relay.example.com",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
		{
			name: "missing join token",
			raw:  "https://app.example.com/join#sid=abc",
			want: nil,
		},
		{
			name: "missing session ID",
			raw:  "#jt=def",
			want: nil,
		},
		{
			name: "empty string",
			raw:  "",
			want: nil,
		},
		{
			name: "whitespace only",
			raw:  "   ",
			want: nil,
		},
		{
			name: "surrounding whitespace is trimmed",
			raw:  "  #sid=abc&jt=def  ",
			want: &JoinLink{SessionID: "abc", JoinToken: "def"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseJoinLink(tc.raw)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %+v, got nil", tc.want)
			}
			if *got != *tc.want {
				t.Errorf("got %+v want %+v", *got, *tc.want)
			}
		})
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	link := JoinLink{
		SessionID:    "0123456789abcdef",
		JoinToken:    "t0ken-with_url.safe~chars",
		RelayBaseURL: "http://localhost:8787",
	}
	raw := BuildJoinLink("https://app.example.com/join", link)
	parsed := ParseJoinLink(raw)
	if parsed == nil {
		t.Fatalf("built link %q did not parse", raw)
	}
	if *parsed != link {
		t.Errorf("round trip: got %+v want %+v", *parsed, link)
	}
}
