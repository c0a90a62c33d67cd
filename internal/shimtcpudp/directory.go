// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shimtcpudp is the TCP/UDP shim IPCP engine (spec §4.4): a
// static directory/expected-registration table, UDP-per-datagram and
// TCP length-prefixed ingress, a bounded send work queue, and the two
// QoS cubes (reliable/unreliable).
package shimtcpudp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

// DirectoryEntry maps an application name to its (IP, port) endpoint
// (spec §3 DirectoryEntry), used to decide where a local allocate_request
// should connect/send to.
type DirectoryEntry struct {
	App  rinaaddr.Name
	Addr net.IP
	Port int
}

// ExpectedRegistration maps an application name to the port it must
// bind on local registration (spec §3 ExpectedRegistration).
type ExpectedRegistration struct {
	App  rinaaddr.Name
	Port int
}

// Directory is the per-instance directory/expected-registration pair,
// keyed by the application name's wire form so repeated dirEntry
// batches are idempotent (spec §4.4: "parser must be idempotent under
// repeated dirEntry additions; a null address entry removes the mapping").
type Directory struct {
	entries map[string]DirectoryEntry
	expReg  map[string]ExpectedRegistration
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]DirectoryEntry), expReg: make(map[string]ExpectedRegistration)}
}

// Lookup returns the directory entry for app, if present.
func (d *Directory) Lookup(app rinaaddr.Name) (DirectoryEntry, bool) {
	e, ok := d.entries[app.String()]
	return e, ok
}

// ExpectedPort returns the port app must bind to on registration.
func (d *Directory) ExpectedPort(app rinaaddr.Name) (int, bool) {
	e, ok := d.expReg[app.String()]
	if !ok {
		return 0, false
	}
	return e.Port, true
}

// ApplyDirEntry inserts, updates, or (for a nil Addr) removes an entry.
func (d *Directory) ApplyDirEntry(e DirectoryEntry) {
	key := e.App.String()
	if e.Addr == nil {
		delete(d.entries, key)
		return
	}
	d.entries[key] = e
}

// ApplyExpReg inserts or updates an expected-registration mapping.
func (d *Directory) ApplyExpReg(e ExpectedRegistration) {
	d.expReg[e.App.String()] = e
}

// ParseDirEntryConfig parses the `dirEntry` configuration value,
// auto-detecting which of the two field-delimited syntaxes spec §4.4
// describes: the legacy `count:len:field:len:field:...` form (a
// leading record count) and the newer `:len:field:...` form (no
// leading count, inferred from a leading colon). Both are batched
// lists of `name,ip,port` triples.
func ParseDirEntryConfig(raw string) ([]DirectoryEntry, error) {
	fields, err := parseLengthPrefixedFields(raw)
	if err != nil {
		return nil, rerr.Wrap(err, rerr.KindBadArgument, "parsing dirEntry config")
	}
	if len(fields)%3 != 0 {
		return nil, rerr.Errorf(rerr.KindBadArgument, "dirEntry config: field count %d not a multiple of 3", len(fields))
	}
	out := make([]DirectoryEntry, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		name, ipStr, portStr := fields[i], fields[i+1], fields[i+2]
		entry := DirectoryEntry{App: rinaaddr.Name{ProcessName: name}}
		if ipStr != "" {
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return nil, rerr.Errorf(rerr.KindBadArgument, "dirEntry config: invalid IP %q", ipStr)
			}
			entry.Addr = ip
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, rerr.Wrapf(err, rerr.KindBadArgument, "dirEntry config: invalid port %q", portStr)
			}
			entry.Port = port
		}
		out = append(out, entry)
	}
	return out, nil
}

// ParseExpRegConfig parses the `expReg` configuration value: batched
// `name,port` pairs under the same two syntaxes as ParseDirEntryConfig.
func ParseExpRegConfig(raw string) ([]ExpectedRegistration, error) {
	fields, err := parseLengthPrefixedFields(raw)
	if err != nil {
		return nil, rerr.Wrap(err, rerr.KindBadArgument, "parsing expReg config")
	}
	if len(fields)%2 != 0 {
		return nil, rerr.Errorf(rerr.KindBadArgument, "expReg config: field count %d not a multiple of 2", len(fields))
	}
	out := make([]ExpectedRegistration, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		port, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil, rerr.Wrapf(err, rerr.KindBadArgument, "expReg config: invalid port %q", fields[i+1])
		}
		out = append(out, ExpectedRegistration{App: rinaaddr.Name{ProcessName: fields[i]}, Port: port})
	}
	return out, nil
}

// parseLengthPrefixedFields accepts both of spec §4.4's config
// syntaxes: "N:l1:f1:l2:f2:...:lN:fN" (legacy, leading record count)
// and ":l1:f1:l2:f2:..." (newer, no leading count — recognized by the
// leading colon). Each field is given explicitly by its byte length so
// a field's own content may contain a colon.
func parseLengthPrefixedFields(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, ":") {
		return parseColonLengthFields(raw[1:])
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil, fmt.Errorf("expected a ':'-delimited count prefix")
	}
	if _, err := strconv.Atoi(raw[:idx]); err != nil {
		return nil, fmt.Errorf("invalid leading record count %q: %w", raw[:idx], err)
	}
	return parseColonLengthFields(raw[idx+1:])
}

// parseColonLengthFields parses a sequence of "<len>:<field of len bytes>:"
// groups until the input is exhausted.
func parseColonLengthFields(rest string) ([]string, error) {
	var out []string
	for len(rest) > 0 {
		idx := strings.IndexByte(rest, ':')
		if idx < 0 {
			return nil, fmt.Errorf("truncated length-prefixed field list")
		}
		n, err := strconv.Atoi(rest[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid field length %q: %w", rest[:idx], err)
		}
		rest = rest[idx+1:]
		if len(rest) < n {
			return nil, fmt.Errorf("field length %d exceeds remaining input", n)
		}
		out = append(out, rest[:n])
		rest = rest[n:]
		rest = strings.TrimPrefix(rest, ":")
	}
	return out, nil
}
