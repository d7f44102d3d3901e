// File: wsproto/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP/1.1 Upgrade handshake parsing and response serialization. Rather
// than parsing with bufio + net/http.ReadRequest against a blocking
// io.Reader, this server's handshake must run against whatever prefix of
// the RX ring has arrived so far, non-blockingly, so it works directly on
// a byte slice and reports "incomplete" rather than blocking for more
// input.

package wsproto

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
)

// MaxHandshakeSnapshot is the smallest handshake snapshot a caller should
// peek; 1024 bytes comfortably covers a minimal GET Upgrade request with a
// handful of headers. conn.Connection peeks its whole 4096-byte RX ring,
// so this constant is not referenced there.
const MaxHandshakeSnapshot = 1024

var (
	terminator  = []byte("\r\n\r\n")
	getPrefix   = []byte("GET ")
	keyHeader   = []byte("Sec-WebSocket-Key:")
	keyHeaderLC = []byte("sec-websocket-key:")
)

// Handshake holds the outcome of a successfully parsed Upgrade request.
type Handshake struct {
	AcceptKey string
	// Consumed is the number of bytes of raw, starting at index 0, that
	// made up the request — including the terminating CRLFCRLF. The
	// caller must advance the RX ring by exactly this many bytes.
	Consumed int
}

// ParseHandshake looks for a complete HTTP/1.1 Upgrade request at the start
// of raw. incomplete is true when the terminating blank line has not
// arrived yet and the caller should wait for more bytes with no state
// change. err is non-nil exactly when the request is malformed enough to
// fail the handshake (the caller should close the connection).
func ParseHandshake(raw []byte) (hs Handshake, incomplete bool, err error) {
	end := bytes.Index(raw, terminator)
	if end < 0 {
		return Handshake{}, true, nil
	}
	headBlock := raw[:end]
	consumed := end + len(terminator)

	if !bytes.HasPrefix(headBlock, getPrefix) {
		return Handshake{}, false, errHandshakeFailed("missing GET request line")
	}

	key, ok := findHeaderValue(headBlock, keyHeader)
	if !ok {
		key, ok = findHeaderValue(headBlock, keyHeaderLC)
	}
	if !ok || len(key) == 0 {
		return Handshake{}, false, errHandshakeFailed("missing Sec-WebSocket-Key")
	}

	return Handshake{
		AcceptKey: computeAcceptKey(string(key)),
		Consumed:  consumed,
	}, false, nil
}

// findHeaderValue finds the first occurrence of name anywhere in headBlock
// (the match is not anchored to the start of a line) and returns the rest
// of that line, trimmed of spaces and tabs.
func findHeaderValue(headBlock, name []byte) ([]byte, bool) {
	idx := bytes.Index(headBlock, name)
	if idx < 0 {
		return nil, false
	}
	rest := headBlock[idx+len(name):]
	lineEnd := bytes.IndexByte(rest, '\n')
	if lineEnd >= 0 {
		rest = rest[:lineEnd]
	}
	rest = bytes.TrimRight(rest, "\r")
	return bytes.Trim(rest, " \t"), true
}

// computeAcceptKey implements Base64(SHA1(key ++ GUID)) per RFC 6455.
func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildUpgradeResponse renders the literal 101 Switching Protocols response
// this server always emits: four headers, nothing more.
func BuildUpgradeResponse(acceptKey string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n\r\n")
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

func errHandshakeFailed(msg string) error { return handshakeError(msg) }
