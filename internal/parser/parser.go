// Package parser turns agent job outputs into ParsedItems bundles. Each agent
// module has its own parser, looked up through a Registry by module name.
package parser

//go:generate mockgen -source=parser.go -destination=mocks/parser_mock.go -package=mocks

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
)

// Parser decodes the output of one job.
type Parser interface {
	Parse(ctx context.Context, job *db.Job, output []byte) (*ParsedItems, error)
}

// Registry maps agent module names to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry holding the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	r.Register("nmap", &NmapParser{})
	r.Register("nuclei", &NucleiParser{})
	r.Register("sportmap", &SportmapParser{})
	r.Register("six_dns_discover", &SixDNSParser{})
	r.Register("six_enum_discover", &SixEnumParser{})
	return r
}

// Register binds a parser to a module name, replacing any previous binding.
func (r *Registry) Register(module string, p Parser) {
	r.parsers[module] = p
}

// Get returns the parser for module.
func (r *Registry) Get(module string) (Parser, error) {
	p, ok := r.parsers[module]
	if !ok {
		return nil, errors.ErrConfigInvalid("module", module)
	}
	return p, nil
}

// Modules returns the registered module names in order.
func (r *Registry) Modules() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseError(module string, err error) error {
	return errors.WrapPlannerError(errors.CodeParseFailed, module, "failed to parse job output", err)
}

// isZip reports whether data starts with a zip local file header.
func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// zipMembers returns the contents of the archive members whose base name
// matches pattern, keyed and ordered by name.
func zipMembers(data []byte, pattern *regexp.Regexp) ([]string, map[string][]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open output archive: %w", err)
	}

	members := map[string][]byte{}
	var names []string
	for _, file := range archive.File {
		if file.FileInfo().IsDir() || !pattern.MatchString(path.Base(file.Name)) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		members[file.Name] = content
		names = append(names, file.Name)
	}
	sort.Strings(names)
	return names, members, nil
}
