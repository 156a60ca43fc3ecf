package ranges

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "syncToken": "1700000000",
  "createDate": "2023-11-14-22-13-20",
  "prefixes": [
    {"ip_prefix": "13.32.0.0/15", "region": "GLOBAL", "service": "AMAZON", "network_border_group": "GLOBAL"},
    {"ip_prefix": "13.32.0.0/15", "region": "GLOBAL", "service": "CLOUDFRONT", "network_border_group": "GLOBAL"},
    {"ip_prefix": "52.84.0.0/15", "region": "GLOBAL", "service": "CLOUDFRONT", "network_border_group": "GLOBAL"},
    {"ip_prefix": "13.32.0.0/15", "region": "GLOBAL", "service": "CLOUDFRONT", "network_border_group": "GLOBAL"},
    {"ip_prefix": "3.5.140.0/22", "region": "ap-northeast-2", "service": "S3", "network_border_group": "ap-northeast-2"},
    {"ip_prefix": "204.246.164.0/22", "region": "GLOBAL", "service": "CLOUDFRONT", "network_border_group": "GLOBAL"}
  ],
  "ipv6_prefixes": [
    {"ipv6_prefix": "2600:9000::/28", "region": "GLOBAL", "service": "CLOUDFRONT", "network_border_group": "GLOBAL"}
  ]
}`

func md5Hex(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

func serve(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoader_Load(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json; charset=utf-8", sampleDocument)
	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT"}, nil)

	doc, set, err := loader.Load(context.Background(), srv.URL, md5Hex(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, "1700000000", doc.SyncToken)
	assert.Equal(t, []string{"13.32.0.0/15", "52.84.0.0/15", "204.246.164.0/22"}, set.Items())
}

func TestLoader_IncludeIPv6(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json", sampleDocument)
	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT", IncludeIPv6: true}, nil)

	_, set, err := loader.Load(context.Background(), srv.URL, md5Hex(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, []string{"13.32.0.0/15", "52.84.0.0/15", "204.246.164.0/22", "2600:9000::/28"}, set.Items())
}

func TestLoader_SHA256(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json", sampleDocument)
	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT", Digest: DigestSHA256}, nil)

	sum := sha256.Sum256([]byte(sampleDocument))
	_, set, err := loader.Load(context.Background(), srv.URL, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())
}

func TestLoader_ChecksumIsCaseInsensitive(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json", sampleDocument)
	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT"}, nil)

	upper := []byte(md5Hex(sampleDocument))
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}
	_, _, err := loader.Load(context.Background(), srv.URL, string(upper))
	require.NoError(t, err)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		checksum    func(body string) string
		check       func(t *testing.T, err error)
	}{
		{
			name:        "non_success_status",
			status:      http.StatusForbidden,
			contentType: "application/json",
			body:        `{}`,
			checksum:    md5Hex,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusForbidden, te.StatusCode)
			},
		},
		{
			name:        "wrong_content_type",
			status:      http.StatusOK,
			contentType: "text/html",
			body:        sampleDocument,
			checksum:    md5Hex,
			check: func(t *testing.T, err error) {
				var ce *ContentTypeError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "text/html", ce.ContentType)
			},
		},
		{
			name:        "checksum_mismatch_skips_parse",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{not json at all`,
			checksum:    func(string) string { return md5Hex("something else") },
			check: func(t *testing.T, err error) {
				var ie *IntegrityError
				require.ErrorAs(t, err, &ie)
				var pe *ParseError
				assert.False(t, errors.As(err, &pe), "parse must not run after an integrity failure")
			},
		},
		{
			name:        "malformed_json",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"prefixes": [`,
			checksum:    md5Hex,
			check: func(t *testing.T, err error) {
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
			},
		},
		{
			name:        "missing_prefixes",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"syncToken": "1"}`,
			checksum:    md5Hex,
			check: func(t *testing.T, err error) {
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "prefixes", pe.Field)
			},
		},
		{
			name:        "invalid_cidr",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"prefixes": [{"ip_prefix": "300.1.1.0/24", "service": "CLOUDFRONT"}]}`,
			checksum:    md5Hex,
			check: func(t *testing.T, err error) {
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "prefixes[0].ip_prefix", pe.Field)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.contentType, tt.body)
			loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT"}, nil)

			_, _, err := loader.Load(context.Background(), srv.URL, tt.checksum(tt.body))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestLoader_BodyTooLarge(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json", sampleDocument)
	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT", MaxBodyBytes: 64}, nil)

	_, _, err := loader.Load(context.Background(), srv.URL, md5Hex(sampleDocument))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
}

func TestLoader_NetworkFailure(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/json", sampleDocument)
	url := srv.URL
	srv.Close()

	loader := NewLoader(LoaderConfig{Service: "CLOUDFRONT"}, nil)
	_, _, err := loader.Load(context.Background(), url, md5Hex(sampleDocument))
	var te *TransportError
	require.ErrorAs(t, err, &te)
}
