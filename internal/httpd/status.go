package httpd

import "fmt"

const (
	StatusOK                      = 200
	StatusNotFound                = 404
	StatusRequestEntityTooLarge   = 413
	StatusServerError             = 500
	StatusNotImplemented          = 501
	StatusHTTPVersionNotSupported = 505
)

// statusTable covers every status the handler can assign.
var statusTable = map[int]string{
	StatusOK:                      "200 OK",
	StatusNotFound:                "404 Not Found",
	StatusRequestEntityTooLarge:   "413 Request Entity Too Large",
	StatusServerError:             "500 Server Error",
	StatusNotImplemented:          "501 Not Implemented",
	StatusHTTPVersionNotSupported: "505 HTTP Version Not Supported",
}

// StatusLine returns "HTTP/1.1 <code> <phrase>\r\n". It panics for a code outside
// the table: handlers only ever assign codes listed there.
func StatusLine(code int) string {
	phrase, ok := statusTable[code]
	if !ok {
		panic(fmt.Sprintf("httpd: no status line for code %d", code))
	}
	return "HTTP/1.1 " + phrase + "\r\n"
}
