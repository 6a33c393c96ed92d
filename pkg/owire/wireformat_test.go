package owire

import "testing"

func negotiable(compression bool) *WireFormatInfo {
	return LocalWireFormatInfo(true, true, 1024, 30000, false, compression)
}

// TestNegotiateInstallsRequestedAlgo checks that pinning a compression
// algorithm via Negotiate's algo parameter actually reaches the
// negotiated EncodingOptions, making CompressorByName's snappy/lz4
// branches reachable rather than decorative (spec §6 compression option).
func TestNegotiateInstallsRequestedAlgo(t *testing.T) {
	cases := []struct {
		algo string
		want string
	}{
		{"snappy", "snappy"},
		{"lz4", "lz4"},
		{"deflate", "deflate"},
		{"", "deflate"},
		{"bogus", "deflate"},
	}
	for _, tc := range cases {
		local := negotiable(true)
		remote := negotiable(true)
		opts := Negotiate(local, remote, tc.algo)
		if opts.Compressor == nil {
			t.Fatalf("algo %q: expected a compressor, got nil", tc.algo)
		}
		if got := opts.Compressor.Name(); got != tc.want {
			t.Fatalf("algo %q: got compressor %q, want %q", tc.algo, got, tc.want)
		}
	}
}

// TestNegotiateNoCompressorWhenEitherSideDisables checks the AND-of-both-
// sides rule still applies before an algorithm is even considered.
func TestNegotiateNoCompressorWhenEitherSideDisables(t *testing.T) {
	local := negotiable(true)
	remote := negotiable(false)
	opts := Negotiate(local, remote, "snappy")
	if opts.Compressor != nil {
		t.Fatalf("expected no compressor when remote disables compression, got %v", opts.Compressor)
	}
}

func TestCompressorByNameRoundTrips(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	for _, name := range []string{"deflate", "snappy", "lz4"} {
		c := CompressorByName(name)
		if c == nil {
			t.Fatalf("CompressorByName(%q) returned nil", name)
		}
		compressed, err := c.Compress(payload)
		if err != nil {
			t.Fatalf("%s: compress: %v", name, err)
		}
		got, err := c.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s: decompress: %v", name, err)
		}
		if string(got) != string(payload) {
			t.Fatalf("%s: round trip mismatch, got %q", name, got)
		}
	}
}
