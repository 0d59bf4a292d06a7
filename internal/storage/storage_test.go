package storage

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "bare host port", endpoint: "localhost:9000", want: "localhost:9000"},
		{name: "http scheme stripped", endpoint: "http://localhost:9000", want: "localhost:9000"},
		{name: "https scheme stripped", endpoint: "https://s3.example.com", want: "s3.example.com"},
		{name: "trailing slash tolerated", endpoint: "http://localhost:9000/", want: "localhost:9000"},
		{name: "empty", endpoint: "", wantErr: true},
		{name: "path without scheme", endpoint: "localhost:9000/bucket", wantErr: true},
		{name: "path with scheme", endpoint: "http://localhost:9000/bucket", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cleanEndpoint(tc.endpoint)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBase64ToHex(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", base64ToHex(base64.StdEncoding.EncodeToString(raw)))
	assert.Empty(t, base64ToHex(""))
	assert.Empty(t, base64ToHex("not base64!!!"))
}

func TestMetaChecksum_CaseInsensitive(t *testing.T) {
	assert.Equal(t, "abc", metaChecksum(map[string]string{"Sha256": "abc"}))
	assert.Equal(t, "abc", metaChecksum(map[string]string{"sha256": "abc"}))
	assert.Equal(t, "abc", metaChecksum(map[string]string{"SHA256": "abc"}))
	assert.Empty(t, metaChecksum(map[string]string{"other": "abc"}))
	assert.Empty(t, metaChecksum(nil))
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", DetectContentType(nil))
	assert.Contains(t, DetectContentType([]byte("{\"a\": 1}")), "application/json")
	assert.Contains(t, DetectContentType([]byte("%PDF-1.4")), "application/pdf")
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "ftp", Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)
}
