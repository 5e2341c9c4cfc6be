// Package sourcequery implements the client side of the Source Engine Query
// protocol (A2S_INFO) plus the pre-Source "info"/"players" queries that old
// GoldSrc servers still answer. It is used to probe game servers for the
// catalog, never for relaying game traffic.
package sourcequery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// maxResponseBytes bounds a single probe response datagram.
	maxResponseBytes = 1024

	// DefaultTimeout is the per-datagram read deadline.
	DefaultTimeout = 1500 * time.Millisecond

	responseTypeChallenge  = 'A' // 0x41
	responseTypeSourceInfo = 'I' // 0x49
	responseTypeLegacyInfo = 'm' // 0x6D
)

// Probe queries, tried in order. Each is a connectionless packet: four 0xFF
// bytes followed by the request body.
var probeQueries = [][]byte{
	[]byte("\xFF\xFF\xFF\xFFTSource Engine Query\x00"),
	[]byte("\xFF\xFF\xFF\xFFinfo\x00"),
	[]byte("\xFF\xFF\xFF\xFFplayers\x00"),
}

var ErrNoResponse = errors.New("sourcequery: no usable response")

// Info is a parsed server info response. Zero value means "nothing usable".
type Info struct {
	Name       string
	Map        string
	Folder     string
	Game       string
	Players    int
	MaxPlayers int
}

func (i Info) Empty() bool {
	return i.Name == "" && i.Map == ""
}

// Client issues probes. The zero value is usable.
type Client struct {
	// Timeout is the per-datagram read deadline; DefaultTimeout when zero.
	Timeout time.Duration
}

func (c *Client) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Query probes host:port, following a challenge response at most once per
// query variant. It returns the first non-empty info, or ErrNoResponse when
// every variant failed or produced nothing usable. Network errors are
// transient: the caller marks the server offline, nothing more.
func (c *Client) Query(ctx context.Context, host string, port int) (Info, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var lastErr error
	for _, query := range probeQueries {
		info, err := c.tryQuery(ctx, addr, query)
		if err != nil {
			lastErr = err
			continue
		}
		if !info.Empty() {
			return info, nil
		}
	}
	if lastErr != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNoResponse, lastErr)
	}
	return Info{}, ErrNoResponse
}

func (c *Client) tryQuery(ctx context.Context, addr string, query []byte) (Info, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Info{}, err
	}
	defer conn.Close()

	resp, err := c.exchange(ctx, conn, query)
	if err != nil {
		return Info{}, err
	}

	typ, body, err := splitResponse(resp)
	if err != nil {
		return Info{}, err
	}

	if typ == responseTypeChallenge {
		if len(body) < 4 {
			return Info{}, fmt.Errorf("sourcequery: short challenge (%d bytes)", len(body))
		}
		// Resend the original query with the 4 challenge bytes appended.
		challenged := append(append([]byte(nil), query...), body[:4]...)
		resp, err = c.exchange(ctx, conn, challenged)
		if err != nil {
			return Info{}, err
		}
		typ, body, err = splitResponse(resp)
		if err != nil {
			return Info{}, err
		}
		if typ == responseTypeChallenge {
			return Info{}, errors.New("sourcequery: server answered challenge with another challenge")
		}
	}

	switch typ {
	case responseTypeSourceInfo:
		return parseSourceInfo(body), nil
	case responseTypeLegacyInfo:
		return parseLegacyInfo(body), nil
	default:
		return Info{}, nil
	}
}

func (c *Client) exchange(ctx context.Context, conn net.Conn, packet []byte) ([]byte, error) {
	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write(packet); err != nil {
		return nil, err
	}
	buf := make([]byte, maxResponseBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func splitResponse(resp []byte) (byte, []byte, error) {
	if len(resp) < 5 {
		return 0, nil, fmt.Errorf("sourcequery: response too short (%d bytes)", len(resp))
	}
	if resp[0] != 0xFF || resp[1] != 0xFF || resp[2] != 0xFF || resp[3] != 0xFF {
		return 0, nil, errors.New("sourcequery: missing connectionless header")
	}
	return resp[4], resp[5:], nil
}

// parseSourceInfo decodes an 'I' (Source) info payload: protocol byte, four
// null-terminated strings (name, map, folder, game), 2-byte app id, then
// single-byte players and max players. Truncated payloads keep whatever fields
// were decoded before the cut.
func parseSourceInfo(body []byte) Info {
	var info Info
	if len(body) < 1 {
		return info
	}
	pos := 1 // protocol version byte

	var ok bool
	if info.Name, pos, ok = readCString(body, pos); !ok {
		return info
	}
	if info.Map, pos, ok = readCString(body, pos); !ok {
		return info
	}
	if info.Folder, pos, ok = readCString(body, pos); !ok {
		return info
	}
	if info.Game, pos, ok = readCString(body, pos); !ok {
		return info
	}

	pos += 2 // app id, little-endian uint16, unused
	if pos >= len(body) {
		return info
	}
	info.Players = int(body[pos])
	pos++
	if pos >= len(body) {
		return info
	}
	info.MaxPlayers = int(body[pos])
	return info
}

// parseLegacyInfo decodes an 'm' payload: backslash-delimited key/value text.
// The key set varies by mod; only well-known keys are extracted and nothing is
// fabricated when they are absent.
func parseLegacyInfo(body []byte) Info {
	text := bestEffortString(body)
	if !strings.Contains(text, "\\") {
		return Info{}
	}

	parts := strings.Split(text, "\\")
	kv := make(map[string]string)
	// parts[0] is the text before the first backslash (usually the server
	// address); pairs start at index 1.
	for i := 1; i+1 < len(parts); i += 2 {
		kv[strings.TrimSpace(parts[i])] = strings.TrimSpace(parts[i+1])
	}

	var info Info
	info.Name = kv["hostname"]
	info.Map = kv["map"]
	info.Game = kv["gamedir"]
	if n, err := strconv.Atoi(kv["players"]); err == nil {
		info.Players = n
	}
	if n, err := strconv.Atoi(kv["max"]); err == nil {
		info.MaxPlayers = n
	}
	return info
}

func readCString(b []byte, pos int) (string, int, bool) {
	if pos >= len(b) {
		return "", pos, false
	}
	end := pos
	for end < len(b) && b[end] != 0 {
		end++
	}
	if end >= len(b) {
		// Unterminated; take the tail but report the truncation.
		return bestEffortString(b[pos:]), len(b), false
	}
	return bestEffortString(b[pos:end]), end + 1, true
}

// bestEffortString replaces invalid UTF-8 rather than rejecting it; GoldSrc
// server names are frequently cp1252.
func bestEffortString(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
