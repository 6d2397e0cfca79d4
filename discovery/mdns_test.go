package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryToService(t *testing.T) {
	entry := zeroconf.NewServiceEntry("phone", ServiceType, mdnsDomain)
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Port = 1883
	entry.Text = []string{"node=phone", "scheme=tcp", "broken"}

	svc := entryToService(entry)
	assert.Equal(t, "phone", svc.Instance)
	assert.Equal(t, "192.168.1.20:1883", svc.Address)
	assert.Equal(t, map[string]string{"node": "phone", "scheme": "tcp"}, svc.Metadata)

	u, ok := svc.BrokerURL()
	require.True(t, ok)
	assert.Equal(t, "tcp://192.168.1.20:1883", u.String())
}

func TestEntryToServiceIPv6(t *testing.T) {
	entry := zeroconf.NewServiceEntry("phone", ServiceType, mdnsDomain)
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Port = 1883

	svc := entryToService(entry)
	assert.Equal(t, "[fe80::1]:1883", svc.Address)
	u, ok := svc.BrokerURL()
	require.True(t, ok)
	assert.Equal(t, "mqtt://[fe80::1]:1883", u.String())
}

func TestBrokerURLsSkipsEmptyAndDuplicates(t *testing.T) {
	urls := brokerURLs([]Service{
		{Instance: "a", Address: "10.0.0.1:1883"},
		{Instance: "a-again", Address: "10.0.0.1:1883"},
		{Instance: "no-address"},
		{Instance: "b", Address: "10.0.0.2:1883"},
	})
	require.Len(t, urls, 2)
	assert.Equal(t, "mqtt://10.0.0.1:1883", urls[0].String())
	assert.Equal(t, "mqtt://10.0.0.2:1883", urls[1].String())
}
