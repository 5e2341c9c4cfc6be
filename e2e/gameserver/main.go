// Command gameserver is a stand-in CS 1.6 server for manual end-to-end
// testing: it answers Source Engine Query probes with fixed info and echoes
// every other datagram back to the sender.
package main

import (
	"bytes"
	"flag"
	"log/slog"
	"net"
	"os"
)

var (
	listenAddr = flag.String("listen", "127.0.0.1:27015", "udp listen address")
	serverName = flag.String("name", "Test DM Server", "advertised server name")
	mapName    = flag.String("map", "de_dust2", "advertised map")
	players    = flag.Int("players", 0, "advertised player count")
	maxPlayers = flag.Int("max-players", 16, "advertised max players")
)

var infoQuery = []byte("\xFF\xFF\xFF\xFFTSource Engine Query\x00")

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	addr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		logger.Error("resolve listen address", "err", err)
		os.Exit(2)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		logger.Error("listen", "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("fake game server listening", "addr", conn.LocalAddr().String(), "name", *serverName)

	info := buildInfoResponse(*serverName, *mapName, *players, *maxPlayers)

	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			logger.Error("read", "err", err)
			return
		}
		pkt := buf[:n]
		if bytes.Equal(pkt, infoQuery) {
			if _, err := conn.WriteToUDP(info, remote); err != nil {
				logger.Warn("info reply failed", "remote", remote.String(), "err", err)
			}
			continue
		}
		// Everything else is game traffic: echo it so clients see round trips.
		if _, err := conn.WriteToUDP(pkt, remote); err != nil {
			logger.Warn("echo failed", "remote", remote.String(), "err", err)
		}
	}
}

// buildInfoResponse assembles an A2S_INFO ('I') reply.
func buildInfoResponse(name, mapName string, players, maxPlayers int) []byte {
	var b bytes.Buffer
	b.WriteString("\xFF\xFF\xFF\xFF\x49")
	b.WriteByte(0x11) // protocol version
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(mapName)
	b.WriteByte(0)
	b.WriteString("cstrike")
	b.WriteByte(0)
	b.WriteString("Counter-Strike")
	b.WriteByte(0)
	b.WriteByte(10) // app id, little endian
	b.WriteByte(0)
	b.WriteByte(byte(players))
	b.WriteByte(byte(maxPlayers))
	return b.Bytes()
}
