package station

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/encryptedmeshlink/station/internal/command"
	"github.com/encryptedmeshlink/station/internal/registry"
)

const instructionsText = `EncryptedMeshLink commands:
@<node> <message> relay a message to a node or station
nodes - list reachable nodes
status - station health
instructions - this help`

// handle runs one parsed command on a worker goroutine. Replies go
// back to the sending radio; the transport chunks anything long.
func (s *Station) handle(ctx context.Context, from uint32, cmd command.Command) {
	switch cmd.Kind {
	case command.KindRelay:
		s.eng.HandleRelay(ctx, from, cmd.Target, cmd.Text)
	case command.KindStatus:
		s.reply(s.statusText(), from)
	case command.KindListNodes:
		s.reply(s.nodesText(), from)
	case command.KindInstructions:
		s.reply(instructionsText, from)
	case command.KindEcho:
		s.reply("Echo: "+cmd.Raw, from)
	}
}

func (s *Station) reply(text string, to uint32) {
	if err := s.Send(text, to); err != nil {
		s.log.Warn("reply failed", "to", to, "err", err)
	}
}

func (s *Station) statusText() string {
	locals := s.reg.Locals()
	online := s.reg.OnlineLocals()
	remotes := s.reg.Remotes()

	queueLine := "unavailable"
	if st, err := s.store.Stats(); err == nil {
		queueLine = fmt.Sprintf("%d pending, %d processing, %d delivered, %d failed",
			st.Pending, st.Processing, st.Delivered, st.Failed)
	}
	linkStats := s.link.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "📡 %s [%s]\n", s.cfg.DisplayName, s.cfg.StationID)
	fmt.Fprintf(&b, "⏱ Uptime: %s\n", formatDuration(s.clock.Since(s.started)))
	fmt.Fprintf(&b, "🌐 Nodes: %d local (%d online), %d remote\n",
		len(locals), len(online), len(remotes))
	fmt.Fprintf(&b, "📬 Queue: %s\n", queueLine)
	fmt.Fprintf(&b, "🔗 Peers: %d discovered, %d linked",
		s.disc.PeerCount(), linkStats.ActiveSessions)
	if n := s.eng.DecryptFailures(); n > 0 {
		fmt.Fprintf(&b, "\n⚠ Undecryptable payloads: %d", n)
	}
	return b.String()
}

func (s *Station) nodesText() string {
	locals := s.reg.OnlineLocals()
	remotes := s.reg.Remotes()
	my := s.myNode.Load()

	var b strings.Builder
	b.WriteString("🌐 Available nodes:")
	count := 0
	for _, n := range locals {
		if n.Num == my {
			continue
		}
		count++
		fmt.Fprintf(&b, "\n• %s (%d) %s", localName(n), n.Num, formatAge(s.clock.Since(n.LastSeen)))
	}
	for _, n := range remotes {
		count++
		fmt.Fprintf(&b, "\n• %s (%d) via %s", remoteName(n), n.NodeID, n.StationID)
	}
	if count == 0 {
		return "🌐 No nodes available right now."
	}
	return b.String()
}

// logAvailableNodes summarizes the directory shortly after the config
// dump settles.
func (s *Station) logAvailableNodes() {
	locals := s.reg.Locals()
	names := make([]string, 0, len(locals))
	for _, n := range locals {
		names = append(names, fmt.Sprintf("%s(%d)", localName(n), n.Num))
	}
	s.log.Info("available nodes", "count", len(locals), "nodes", strings.Join(names, ", "))
}

func localName(n registry.LocalNode) string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return fmt.Sprintf("node %d", n.Num)
}

func remoteName(n registry.RemoteNode) string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.StationID
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case h < 24:
		return fmt.Sprintf("%dh%02dm", h, m)
	default:
		return fmt.Sprintf("%dd%dh", h/24, h%24)
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
