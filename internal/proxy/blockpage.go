package proxy

import (
	"fmt"
	"html"
	"strings"
)

// blockedPage renders the complete 403 response sent to any blocked client:
// status line, headers, and an HTML body naming the blocked host and the
// reason.
func blockedPage(host, reason string) (resp []byte) {
	body := fmt.Sprintf(
		"<html><head><title>403 Forbidden</title></head>"+
			"<body><h1>Blocked: %s</h1><p>%s</p></body></html>",
		html.EscapeString(host),
		html.EscapeString(reason),
	)

	b := &strings.Builder{}
	b.WriteString("HTTP/1.1 403 Forbidden\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)

	return []byte(b.String())
}
