package mutf7

import "testing"

var tests = []struct {
	dec, enc string
}{
	{dec: "&", enc: "&-"},
	{dec: "&&", enc: "&-&-"},
	{dec: "Hello, 世界", enc: "Hello, &ThZ1TA-"},
	{dec: "🤓", enc: "&2D7dEw-"},
	{dec: "~peter/mail/台北/日本語", enc: "~peter/mail/&U,BTFw-/&ZeVnLIqe-"},
}

func TestEncode(t *testing.T) {
	for _, test := range tests {
		t.Run(test.dec, func(t *testing.T) {
			if got := Encode(test.dec); got != test.enc {
				t.Errorf("Encode(%q) = %q, want %q", test.dec, got, test.enc)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	for _, test := range tests {
		t.Run(test.dec, func(t *testing.T) {
			got, err := Decode(test.enc)
			if err != nil {
				t.Fatal(err)
			}
			if got != test.dec {
				t.Errorf("Decode(%q) = %q, want %q", test.enc, got, test.dec)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	cases := []string{
		"&unterminated",
		"&A-", // one base64 char decodes to an odd byte count
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Errorf("Decode(%q): expected error", c)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, test := range tests {
		enc := Encode(test.dec)
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)): %v", test.dec, err)
		}
		if dec != test.dec {
			t.Errorf("round trip %q -> %q -> %q", test.dec, enc, dec)
		}
	}
}
