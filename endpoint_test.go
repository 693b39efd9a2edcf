package nprpc

import "testing"

func TestParseEndpointRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:9000",
		"ws://example.com:8080/rpc",
		"https://example.com/api/v1",
		"mem://channel-42",
	}
	for _, url := range cases {
		ep, err := ParseEndpoint(url)
		if err != nil {
			t.Fatalf("parse %q: %v", url, err)
		}
		if got := ep.String(); got != url {
			t.Fatalf("round trip: parse(%q).String() = %q", url, got)
		}
	}
}

func TestParseEndpointRejectsBadInput(t *testing.T) {
	cases := []string{
		"no-scheme-here",
		"ftp://example.com",
		"tcp://",
		"tcp://host:notaport",
	}
	for _, url := range cases {
		if _, err := ParseEndpoint(url); err == nil {
			t.Fatalf("expected an error parsing %q", url)
		}
	}
}

func TestEndpointEqual(t *testing.T) {
	a, _ := ParseEndpoint("tcp://host:1")
	b, _ := ParseEndpoint("tcp://host:1")
	c, _ := ParseEndpoint("tcp://host:2")
	if !a.Equal(b) {
		t.Fatalf("expected %+v == %+v", a, b)
	}
	if a.Equal(c) {
		t.Fatalf("expected %+v != %+v", a, c)
	}
}

func TestParseURLsSkipsMalformedEntries(t *testing.T) {
	eps := ParseURLs("tcp://a:1;garbage;ws://b:2")
	if len(eps) != 2 {
		t.Fatalf("expected 2 parsed endpoints, got %d: %+v", len(eps), eps)
	}
}

func TestSelectEndpointPrefersMemThenTcpThenWs(t *testing.T) {
	candidates := []Endpoint{
		{Kind: TransportWS, Host: "h", Port: 2},
		{Kind: TransportTCP, Host: "h", Port: 1},
		{Kind: TransportMem, Host: "chan"},
	}
	enabled := map[TransportKind]bool{TransportMem: true, TransportTCP: true, TransportWS: true}

	got, ok := SelectEndpoint(candidates, enabled, true)
	if !ok || got.Kind != TransportMem {
		t.Fatalf("expected mem to win when same-origin, got %+v ok=%v", got, ok)
	}

	got, ok = SelectEndpoint(candidates, enabled, false)
	if !ok || got.Kind != TransportTCP {
		t.Fatalf("expected tcp to win when not same-origin, got %+v ok=%v", got, ok)
	}
}

func TestSelectEndpointNoneEnabled(t *testing.T) {
	candidates := []Endpoint{{Kind: TransportTCP, Host: "h", Port: 1}}
	_, ok := SelectEndpoint(candidates, map[TransportKind]bool{}, true)
	if ok {
		t.Fatalf("expected no endpoint to be selectable")
	}
}
