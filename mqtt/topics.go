package mqtt

import (
	"strings"

	"github.com/ilievs/homesync/protocol"
)

const DefaultTopicPrefix = "homesync"

// Topics names the MQTT topics one node uses. Messages travel on
// <prefix>/<from>/<to>/<path> and presence is retained on
// <prefix>/presence/<node>.
type Topics struct {
	Prefix string
	Self   string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Outbound is the topic a message for peer is published on.
func (t Topics) Outbound(peer string, path protocol.Path) string {
	return t.prefix() + "/" + t.Self + "/" + peer + "/" + string(path)
}

// Inbound is the filter matching every message peer sends to this node.
func (t Topics) Inbound(peer string) string {
	return t.prefix() + "/" + peer + "/" + t.Self + "/+"
}

func (t Topics) Presence(node string) string {
	return t.prefix() + "/presence/" + node
}

// PathOf extracts the command path from a message topic.
func (t Topics) PathOf(topic string) (protocol.Path, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", false
	}
	path := protocol.Path(parts[2])
	if !path.Valid() {
		return "", false
	}
	return path, true
}
