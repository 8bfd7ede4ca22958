package core

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/brambleworks/bramble/state"
)

// BuildStatus computes a read-only snapshot of the node's health from live
// state; nothing here is persisted independently.
func BuildStatus(s *state.State) state.NetworkStatus {
	tr := Get[*Transport](s)
	sent, received, lost, throughput, latency := tr.Stats(time.Now())
	return state.NetworkStatus{
		Id:              s.Id,
		Role:            s.Mesh.Role,
		Coordinator:     s.Mesh.Coordinator,
		HasCoordinator:  s.Mesh.HasCoordinator,
		Neighbors:       len(s.Neighbors),
		Routes:          len(Get[*Router](s).Table.Routes),
		PacketsSent:     sent,
		PacketsReceived: received,
		PacketsLost:     lost,
		QueueDepth:      tr.QueueDepth(),
		ThroughputBps:   throughput,
		AvgLatency:      latency,
		LastSignal:      Get[*Bramble](s).LastSignalQuality(),
	}
}

func (b *Bramble) startCtl(s *state.State) error {
	_ = os.Remove(s.CtlSocket)
	lis, err := net.Listen("unix", s.CtlSocket)
	if err != nil {
		return fmt.Errorf("failed to open control socket: %w", err)
	}
	b.ctl = lis
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go b.serveCtl(s, conn)
		}
	}()
	return nil
}

func (b *Bramble) stopCtl() {
	if b.ctl != nil {
		b.ctl.Close()
		b.ctl = nil
	}
}

func (b *Bramble) serveCtl(s *state.State, conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	cmd, err := rw.ReadString('\n')
	if err != nil {
		return
	}
	res, err := s.DispatchWait(func(s *state.State) (any, error) {
		switch strings.TrimSpace(cmd) {
		case "inspect":
			return renderInspect(s), nil
		case "status":
			return renderStatus(BuildStatus(s)), nil
		default:
			return "", fmt.Errorf("unknown command %q", strings.TrimSpace(cmd))
		}
	})
	if err != nil {
		return
	}
	rw.WriteString(res.(string))
	rw.WriteRune(0)
	rw.Flush()
}

func renderStatus(ns state.NetworkStatus) string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "Node:         %s (%s)\n", ns.Id, ns.Role)
	if ns.HasCoordinator {
		fmt.Fprintf(&sb, "Coordinator:  %s\n", ns.Coordinator)
	} else {
		fmt.Fprintf(&sb, "Coordinator:  (none)\n")
	}
	fmt.Fprintf(&sb, "Neighbors:    %d\n", ns.Neighbors)
	fmt.Fprintf(&sb, "Routes:       %d\n", ns.Routes)
	fmt.Fprintf(&sb, "Queue depth:  %d\n", ns.QueueDepth)
	fmt.Fprintf(&sb, "Packets:      sent=%d received=%d lost=%d\n", ns.PacketsSent, ns.PacketsReceived, ns.PacketsLost)
	fmt.Fprintf(&sb, "Throughput:   %.1f B/s\n", ns.ThroughputBps)
	fmt.Fprintf(&sb, "Avg latency:  %s\n", ns.AvgLatency)
	fmt.Fprintf(&sb, "Last signal:  rssi=%d snr=%.1f\n", ns.LastSignal.Rssi, ns.LastSignal.Snr)
	return sb.String()
}

func renderInspect(s *state.State) string {
	sb := strings.Builder{}

	sb.WriteString("Neighbors:\n")
	neighbors := slices.Clone(s.Neighbors)
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Id < neighbors[j].Id })
	if len(neighbors) == 0 {
		sb.WriteString(" (none)\n")
	}
	for _, n := range neighbors {
		fmt.Fprintf(&sb, " - %s rssi=%d snr=%.1f reliability=%.2f last_seen=%s\n",
			n.Id, n.Rssi, n.Snr, n.Reliability, n.LastSeen.Format("15:04:05"))
	}

	sb.WriteString("\nRoute Table:\n")
	rt := make([]string, 0)
	for _, route := range Get[*Router](s).Table.Routes {
		rt = append(rt, fmt.Sprintf(" - %s", route))
	}
	if len(rt) == 0 {
		rt = append(rt, " (none)")
	}
	slices.Sort(rt)
	sb.WriteString(strings.Join(rt, "\n") + "\n")

	sb.WriteString("\n" + renderStatus(BuildStatus(s)))
	return sb.String()
}

// IPCGet queries a running node's control socket.
func IPCGet(socketPath, cmd string) (string, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err := rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(res, "\x00"), nil
}
