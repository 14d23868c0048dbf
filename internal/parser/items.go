package parser

import (
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// Host is a parsed host record.
type Host struct {
	Address   string   `json:"address"`
	Hostname  string   `json:"hostname,omitempty"`
	Hostnames []string `json:"hostnames,omitempty"`
	OS        string   `json:"os,omitempty"`
}

// ServiceRef points a vuln or note at a service of its host.
type ServiceRef struct {
	Proto string `json:"proto"`
	Port  int    `json:"port"`
}

// Service is a parsed service record.
type Service struct {
	Address    string     `json:"address"`
	Proto      string     `json:"proto"`
	Port       int        `json:"port"`
	State      string     `json:"state,omitempty"`
	Name       string     `json:"name,omitempty"`
	Info       string     `json:"info,omitempty"`
	ImportTime *time.Time `json:"import_time,omitempty"`
}

// Vuln is a parsed vulnerability record.
type Vuln struct {
	Address    string      `json:"address"`
	Service    *ServiceRef `json:"service,omitempty"`
	ViaTarget  string      `json:"via_target,omitempty"`
	Name       string      `json:"name"`
	XType      string      `json:"xtype"`
	Severity   string      `json:"severity"`
	Descr      string      `json:"descr,omitempty"`
	Data       string      `json:"data,omitempty"`
	Refs       []string    `json:"refs,omitempty"`
	ImportTime *time.Time  `json:"import_time,omitempty"`
}

// Note is a parsed free-form observation.
type Note struct {
	Address    string      `json:"address"`
	Service    *ServiceRef `json:"service,omitempty"`
	ViaTarget  string      `json:"via_target,omitempty"`
	XType      string      `json:"xtype"`
	Data       string      `json:"data,omitempty"`
	ImportTime *time.Time  `json:"import_time,omitempty"`
}

// VulnKey is the upsert identity of a vuln.
type VulnKey struct {
	Address   string
	Name      string
	XType     string
	Proto     string
	Port      int
	ViaTarget string
}

// Key returns the upsert identity of the vuln.
func (v *Vuln) Key() VulnKey {
	key := VulnKey{Address: v.Address, Name: v.Name, XType: v.XType, ViaTarget: v.ViaTarget}
	if v.Service != nil {
		key.Proto, key.Port = v.Service.Proto, v.Service.Port
	}
	return key
}

type serviceKey struct {
	address string
	proto   string
	port    int
}

type noteKey struct {
	address   string
	xtype     string
	proto     string
	port      int
	viaTarget string
}

// ParsedItems is the bundle of records produced by parsing one or more job
// outputs. Records are upserted: adding an existing host, service, vuln or
// note updates the stored record.
type ParsedItems struct {
	Hosts    []*Host    `json:"hosts"`
	Services []*Service `json:"services"`
	Vulns    []*Vuln    `json:"vulns"`
	Notes    []*Note    `json:"notes"`

	hosts    map[string]*Host
	services map[serviceKey]*Service
	vulns    map[VulnKey]*Vuln
	notes    map[noteKey]*Note
}

// NewParsedItems returns an empty bundle.
func NewParsedItems() *ParsedItems {
	p := &ParsedItems{}
	p.reindex()
	return p
}

func (p *ParsedItems) reindex() {
	p.hosts = make(map[string]*Host, len(p.Hosts))
	for _, h := range p.Hosts {
		p.hosts[h.Address] = h
	}
	p.services = make(map[serviceKey]*Service, len(p.Services))
	for _, s := range p.Services {
		p.services[serviceKey{s.Address, s.Proto, s.Port}] = s
	}
	p.vulns = make(map[VulnKey]*Vuln, len(p.Vulns))
	for _, v := range p.Vulns {
		p.vulns[v.Key()] = v
	}
	p.notes = make(map[noteKey]*Note, len(p.Notes))
	for _, n := range p.Notes {
		p.notes[n.key()] = n
	}
}

func (p *ParsedItems) ensureIndex() {
	if p.hosts == nil {
		p.reindex()
	}
}

// NormalizeAddress returns the canonical text form of an IP address.
func NormalizeAddress(address string) (string, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	return addr.Unmap().String(), nil
}

// Host returns the host with the given address.
func (p *ParsedItems) Host(address string) *Host {
	p.ensureIndex()
	return p.hosts[address]
}

// UpsertHost returns the host for address, adding it when missing.
func (p *ParsedItems) UpsertHost(address string) *Host {
	p.ensureIndex()
	if h, ok := p.hosts[address]; ok {
		return h
	}
	h := &Host{Address: address}
	p.hosts[address] = h
	p.Hosts = append(p.Hosts, h)
	return h
}

// AddHostname records a hostname for the host, setting the primary one when empty.
func (h *Host) AddHostname(name string) {
	if name == "" {
		return
	}
	if h.Hostname == "" {
		h.Hostname = name
	}
	if !slices.Contains(h.Hostnames, name) {
		h.Hostnames = append(h.Hostnames, name)
	}
}

// Service returns the service with the given address, proto and port.
func (p *ParsedItems) Service(address, proto string, port int) *Service {
	p.ensureIndex()
	return p.services[serviceKey{address, proto, port}]
}

// UpsertService returns the service, adding it and its host when missing.
func (p *ParsedItems) UpsertService(address, proto string, port int) *Service {
	p.ensureIndex()
	p.UpsertHost(address)
	key := serviceKey{address, proto, port}
	if s, ok := p.services[key]; ok {
		return s
	}
	s := &Service{Address: address, Proto: proto, Port: port}
	p.services[key] = s
	p.Services = append(p.Services, s)
	return s
}

// UpsertVuln adds the vuln, replacing a record with the same key.
func (p *ParsedItems) UpsertVuln(v *Vuln) *Vuln {
	p.ensureIndex()
	p.upsertRef(v.Address, v.Service)
	key := v.Key()
	if existing, ok := p.vulns[key]; ok {
		*existing = *v
		return existing
	}
	p.vulns[key] = v
	p.Vulns = append(p.Vulns, v)
	return v
}

func (n *Note) key() noteKey {
	key := noteKey{address: n.Address, xtype: n.XType, viaTarget: n.ViaTarget}
	if n.Service != nil {
		key.proto, key.port = n.Service.Proto, n.Service.Port
	}
	return key
}

// UpsertNote adds the note, replacing a record with the same key.
func (p *ParsedItems) UpsertNote(n *Note) *Note {
	p.ensureIndex()
	p.upsertRef(n.Address, n.Service)
	key := n.key()
	if existing, ok := p.notes[key]; ok {
		*existing = *n
		return existing
	}
	p.notes[key] = n
	p.Notes = append(p.Notes, n)
	return n
}

func (p *ParsedItems) upsertRef(address string, ref *ServiceRef) {
	if ref != nil {
		p.UpsertService(address, ref.Proto, ref.Port)
		return
	}
	p.UpsertHost(address)
}

// Merge upserts every record of other into p.
func (p *ParsedItems) Merge(other *ParsedItems) {
	if other == nil {
		return
	}
	for _, h := range other.Hosts {
		host := p.UpsertHost(h.Address)
		for _, name := range h.Hostnames {
			host.AddHostname(name)
		}
		if h.Hostname != "" && host.Hostname == "" {
			host.Hostname = h.Hostname
		}
		if h.OS != "" {
			host.OS = h.OS
		}
	}
	for _, s := range other.Services {
		svc := p.UpsertService(s.Address, s.Proto, s.Port)
		*svc = *s
	}
	for _, v := range other.Vulns {
		copied := *v
		p.UpsertVuln(&copied)
	}
	for _, n := range other.Notes {
		copied := *n
		p.UpsertNote(&copied)
	}
}

// RemoveHosts drops the hosts with the given addresses together with their
// services, vulns and notes.
func (p *ParsedItems) RemoveHosts(addresses map[string]struct{}) {
	if len(addresses) == 0 {
		return
	}
	drop := func(address string) bool {
		_, ok := addresses[address]
		return ok
	}
	p.Hosts = slices.DeleteFunc(p.Hosts, func(h *Host) bool { return drop(h.Address) })
	p.Services = slices.DeleteFunc(p.Services, func(s *Service) bool { return drop(s.Address) })
	p.Vulns = slices.DeleteFunc(p.Vulns, func(v *Vuln) bool { return drop(v.Address) })
	p.Notes = slices.DeleteFunc(p.Notes, func(n *Note) bool { return drop(n.Address) })
	p.reindex()
}

// FilterServices keeps the services for which keep returns true.
func (p *ParsedItems) FilterServices(keep func(*Service) bool) {
	p.Services = slices.DeleteFunc(p.Services, func(s *Service) bool { return !keep(s) })
	p.reindex()
}

// HostServices returns the services of the host.
func (p *ParsedItems) HostServices(address string) []*Service {
	var out []*Service
	for _, s := range p.Services {
		if s.Address == address {
			out = append(out, s)
		}
	}
	return out
}

// Empty reports whether the bundle holds no records.
func (p *ParsedItems) Empty() bool {
	return len(p.Hosts) == 0 && len(p.Services) == 0 && len(p.Vulns) == 0 && len(p.Notes) == 0
}

// String summarizes the bundle for logging.
func (p *ParsedItems) String() string {
	return fmt.Sprintf("hosts=%d services=%d vulns=%d notes=%d",
		len(p.Hosts), len(p.Services), len(p.Vulns), len(p.Notes))
}
