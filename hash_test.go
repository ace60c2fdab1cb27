package updatemirror

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashBytes_Distinct(t *testing.T) {
	a := HashBytes([]byte(`{"a.php":"a"}`))
	b := HashBytes([]byte(`{"b.php":"b"}`))
	require.NotEqual(t, a, b)
	require.Equal(t, a, HashBytes([]byte(`{"a.php":"a"}`)))
}

func TestParseHash_RoundTrip(t *testing.T) {
	h := HashBytes([]byte("test data"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestParseDigest(t *testing.T) {
	h := HashBytes([]byte(`{"a/a.php":{"new_version":"2.0"}}`))

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "prefixed", input: h.Digest()},
		{name: "upper case algorithm", input: "BLAKE3:" + h.String()},
		{name: "plain hex", input: h.String()},
		{name: "wrong algorithm", input: "sha256:" + h.String(), wantErr: true},
		{name: "short", input: "blake3:abcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, h, got)
		})
	}
}
