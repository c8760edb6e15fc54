package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		status   int
		resource string
	}{
		{"get", "GET /index.html HTTP/1.1", StatusOK, "/index.html"},
		{"extra spaces", "GET   /a.txt   HTTP/1.1", StatusOK, "/a.txt"},
		{"post", "POST /x HTTP/1.1", StatusNotImplemented, ""},
		{"lowercase method", "get / HTTP/1.1", StatusNotImplemented, ""},
		{"empty line", "", StatusNotImplemented, ""},
		{"http 1.0", "GET / HTTP/1.0", StatusHTTPVersionNotSupported, "/"},
		{"missing version", "GET /", StatusHTTPVersionNotSupported, "/"},
		{"only method", "GET", StatusHTTPVersionNotSupported, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			assert.Equal(t, tt.status, parseRequestLine(tt.line, &req))
			assert.Equal(t, tt.resource, req.Resource)
		})
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name  string
		block string
		want  map[string]string
	}{
		{
			name:  "empty block",
			block: "\r\n",
			want:  map[string]string{},
		},
		{
			name:  "fields keep case",
			block: "Host: x\r\naccept:  */*\r\nX-Empty:\r\n\r\n",
			want:  map[string]string{"Host": "x", "accept": "*/*", "X-Empty": ""},
		},
		{
			name:  "value keeps colons",
			block: "Referer: http://a/b\r\n\r\n",
			want:  map[string]string{"Referer": "http://a/b"},
		},
		{
			name:  "line without colon stops parsing",
			block: "A: 1\r\nbogus\r\nB: 2\r\n\r\n",
			want:  map[string]string{"A": "1"},
		},
		{
			name:  "repeated name keeps last",
			block: "A: 1\r\nA: 2\r\n\r\n",
			want:  map[string]string{"A": "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]string{}
			parseHeaders([]byte(tt.block), got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusLine(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", StatusLine(StatusOK))
	assert.Equal(t, "HTTP/1.1 413 Request Entity Too Large\r\n", StatusLine(StatusRequestEntityTooLarge))
	assert.Equal(t, "HTTP/1.1 505 HTTP Version Not Supported\r\n", StatusLine(StatusHTTPVersionNotSupported))
	assert.Panics(t, func() { StatusLine(418) })
}
