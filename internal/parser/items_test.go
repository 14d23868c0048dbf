package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
)

// zipOutput packs files the way agents ship job outputs.
func zipOutput(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestUpsertHostAndService(t *testing.T) {
	items := NewParsedItems()

	h := items.UpsertHost("192.0.2.1")
	h.AddHostname("a.example.com")
	h.AddHostname("b.example.com")
	h.AddHostname("a.example.com")
	assert.Same(t, h, items.UpsertHost("192.0.2.1"))
	assert.Equal(t, "a.example.com", h.Hostname)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, h.Hostnames)

	svc := items.UpsertService("192.0.2.2", "tcp", 22)
	svc.State = "open:syn-ack"
	assert.Same(t, svc, items.UpsertService("192.0.2.2", "tcp", 22))
	assert.NotNil(t, items.Host("192.0.2.2"), "service upsert adds its host")
	assert.Len(t, items.Hosts, 2)
	assert.Len(t, items.Services, 1)
}

func TestUpsertVulnReplacesByKey(t *testing.T) {
	items := NewParsedItems()
	ref := &ServiceRef{Proto: "tcp", Port: 443}

	items.UpsertVuln(&Vuln{Address: "192.0.2.1", Service: ref, ViaTarget: "www.example.com",
		Name: "x", XType: "nuclei.x", Severity: "low"})
	items.UpsertVuln(&Vuln{Address: "192.0.2.1", Service: ref, ViaTarget: "www.example.com",
		Name: "x", XType: "nuclei.x", Severity: "high"})
	items.UpsertVuln(&Vuln{Address: "192.0.2.1", Service: ref, ViaTarget: "other.example.com",
		Name: "x", XType: "nuclei.x", Severity: "high"})

	require.Len(t, items.Vulns, 2)
	assert.Equal(t, "high", items.Vulns[0].Severity)
	assert.NotNil(t, items.Service("192.0.2.1", "tcp", 443))
	assert.Equal(t, VulnKey{Address: "192.0.2.1", Name: "x", XType: "nuclei.x", Proto: "tcp", Port: 443,
		ViaTarget: "www.example.com"}, items.Vulns[0].Key())
}

func TestRemoveHosts(t *testing.T) {
	items := NewParsedItems()
	items.UpsertService("192.0.2.1", "tcp", 80)
	items.UpsertService("192.0.2.2", "tcp", 80)
	items.UpsertNote(&Note{Address: "192.0.2.1", XType: "sportmap"})
	items.UpsertVuln(&Vuln{Address: "192.0.2.1", Name: "v", XType: "t"})

	items.RemoveHosts(map[string]struct{}{"192.0.2.1": {}})

	require.Len(t, items.Hosts, 1)
	assert.Equal(t, "192.0.2.2", items.Hosts[0].Address)
	assert.Len(t, items.Services, 1)
	assert.Empty(t, items.Notes)
	assert.Empty(t, items.Vulns)
	assert.Nil(t, items.Host("192.0.2.1"))
	assert.Equal(t, "hosts=1 services=1 vulns=0 notes=0", items.String())
}

func TestMerge(t *testing.T) {
	a := NewParsedItems()
	a.UpsertHost("192.0.2.1").AddHostname("a.example.com")

	b := NewParsedItems()
	b.UpsertHost("192.0.2.1").AddHostname("b.example.com")
	b.UpsertService("192.0.2.3", "udp", 53).State = "open:udp-response"

	a.Merge(b)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, a.Host("192.0.2.1").Hostnames)
	assert.Equal(t, "open:udp-response", a.Service("192.0.2.3", "udp", 53).State)
	assert.False(t, a.Empty())
	assert.True(t, NewParsedItems().Empty())
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"192.0.2.1", "192.0.2.1", false},
		{"2001:DB8:0:0::1", "2001:db8::1", false},
		{"::ffff:192.0.2.1", "192.0.2.1", false},
		{"example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, []string{"nmap", "nuclei", "six_dns_discover", "six_enum_discover", "sportmap"},
		registry.Modules())

	p, err := registry.Get("nmap")
	require.NoError(t, err)
	assert.IsType(t, &NmapParser{}, p)

	_, err = registry.Get("testssl")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestParseErrorsAreTagged(t *testing.T) {
	_, err := (&NucleiParser{}).Parse(context.Background(), nil, []byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeParseFailed))
}
