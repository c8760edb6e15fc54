package httpd

import (
	"bytes"
	"strings"
)

const (
	methodGet   = "GET"
	httpVersion = "HTTP/1.1"
)

// Request is the part of the exchange parsed so far.
type Request struct {
	Method   string
	Resource string
	Version  string
	Headers  map[string]string
}

// parseRequestLine splits a request line (CRLF already stripped) into its three
// tokens and returns the status it implies. Anything but GET is 501; a GET with a
// version other than HTTP/1.1 (or none) is 505.
func parseRequestLine(line string, req *Request) int {
	fields := strings.Fields(line)
	if len(fields) > 0 {
		req.Method = fields[0]
	}
	if req.Method != methodGet {
		return StatusNotImplemented
	}
	if len(fields) > 1 {
		req.Resource = fields[1]
	}
	if len(fields) > 2 {
		req.Version = fields[2]
	}
	if req.Version != httpVersion {
		return StatusHTTPVersionNotSupported
	}
	return StatusOK
}

// parseHeaders reads "name: value" lines from a header block into dst. Names keep
// their case; a repeated name keeps the last value. Parsing stops at the first
// line without a colon, which includes the terminating blank line.
func parseHeaders(block []byte, dst map[string]string) {
	for len(block) > 0 {
		line := block
		if i := bytes.Index(block, []byte("\r\n")); i >= 0 {
			line, block = block[:i], block[i+2:]
		} else {
			block = nil
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return
		}
		name := string(line[:colon])
		value := strings.TrimLeft(string(line[colon+1:]), " \t")
		dst[name] = value
	}
}
