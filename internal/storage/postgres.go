package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/parser"
)

const defaultChunkSize = 1000

// Postgres stores results in the host, service, vuln and note tables.
type Postgres struct {
	db        *db.DB
	chunkSize int
	logger    *logging.Logger
}

// NewPostgres creates a Postgres storage. Rescan updates and versioninfo
// inserts are issued in chunks of chunkSize rows.
func NewPostgres(database *db.DB, chunkSize int, logger *logging.Logger) *Postgres {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Postgres{db: database, chunkSize: chunkSize, logger: logger.WithComponent("storage")}
}

var _ Storage = (*Postgres)(nil)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func serviceRef(ref *parser.ServiceRef, id map[serviceKey]int64, address string) sql.NullInt64 {
	if ref == nil {
		return sql.NullInt64{}
	}
	sid, ok := id[serviceKey{address, ref.Proto, ref.Port}]
	return sql.NullInt64{Int64: sid, Valid: ok}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type serviceKey struct {
	address string
	proto   string
	port    int
}

// Import implements Storage.
func (p *Postgres) Import(ctx context.Context, items *parser.ParsedItems) error {
	if items == nil || items.Empty() {
		return nil
	}

	err := p.db.InTx(ctx, "import parsed items", func(tx *sqlx.Tx) error {
		hostIDs := make(map[string]int64, len(items.Hosts))
		for _, h := range items.Hosts {
			id, err := upsertHost(ctx, tx, h)
			if err != nil {
				return err
			}
			hostIDs[h.Address] = id
		}

		serviceIDs := make(map[serviceKey]int64, len(items.Services))
		for _, s := range items.Services {
			id, err := upsertService(ctx, tx, hostIDs[s.Address], s)
			if err != nil {
				return err
			}
			serviceIDs[serviceKey{s.Address, s.Proto, s.Port}] = id
		}

		for _, v := range items.Vulns {
			if err := upsertVuln(ctx, tx, hostIDs[v.Address], serviceRef(v.Service, serviceIDs, v.Address), v); err != nil {
				return err
			}
		}
		for _, n := range items.Notes {
			if err := upsertNote(ctx, tx, hostIDs[n.Address], serviceRef(n.Service, serviceIDs, n.Address), n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Info("Imported parsed items", "items", items.String())
	return nil
}

func upsertHost(ctx context.Context, tx *sqlx.Tx, h *parser.Host) (int64, error) {
	query := `
		INSERT INTO host (address, hostname, os) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			hostname = COALESCE(EXCLUDED.hostname, host.hostname),
			os = COALESCE(EXCLUDED.os, host.os),
			modified = NOW() AT TIME ZONE 'utc'
		RETURNING id`

	var id int64
	if err := tx.QueryRowxContext(ctx, query, h.Address, nullString(h.Hostname), nullString(h.OS)).Scan(&id); err != nil {
		return 0, db.SanitizeError("upsert host", err)
	}

	if len(h.Hostnames) > 0 {
		data, err := json.Marshal(h.Hostnames)
		if err != nil {
			return 0, err
		}
		note := &parser.Note{Address: h.Address, XType: "hostnames", Data: string(data)}
		if err := upsertNote(ctx, tx, id, sql.NullInt64{}, note); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func upsertService(ctx context.Context, tx *sqlx.Tx, hostID int64, s *parser.Service) (int64, error) {
	query := `
		INSERT INTO service (host_id, proto, port, state, name, info, import_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (host_id, proto, port) DO UPDATE SET
			state = COALESCE(EXCLUDED.state, service.state),
			name = COALESCE(EXCLUDED.name, service.name),
			info = COALESCE(EXCLUDED.info, service.info),
			import_time = COALESCE(EXCLUDED.import_time, service.import_time),
			modified = NOW() AT TIME ZONE 'utc'
		RETURNING id`

	var id int64
	err := tx.QueryRowxContext(ctx, query, hostID, s.Proto, s.Port, nullString(s.State), nullString(s.Name),
		nullString(s.Info), nullTime(s.ImportTime)).Scan(&id)
	if err != nil {
		return 0, db.SanitizeError("upsert service", err)
	}
	return id, nil
}

func upsertVuln(ctx context.Context, tx *sqlx.Tx, hostID int64, serviceID sql.NullInt64, v *parser.Vuln) error {
	var id int64
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM vuln
		WHERE host_id = $1 AND name = $2 AND xtype = $3
			AND service_id IS NOT DISTINCT FROM $4 AND via_target IS NOT DISTINCT FROM $5
		LIMIT 1`, hostID, v.Name, v.XType, serviceID, nullString(v.ViaTarget))

	severity := v.Severity
	if severity == "" {
		severity = "unknown"
	}
	refs := pq.StringArray(v.Refs)
	if refs == nil {
		refs = pq.StringArray{}
	}

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vuln (host_id, service_id, via_target, name, xtype, severity, descr, data, refs, import_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			hostID, serviceID, nullString(v.ViaTarget), v.Name, v.XType, severity,
			nullString(v.Descr), nullString(v.Data), refs, nullTime(v.ImportTime))
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE vuln SET severity = $2, descr = $3, data = $4, refs = $5, import_time = $6,
				modified = NOW() AT TIME ZONE 'utc'
			WHERE id = $1`,
			id, severity, nullString(v.Descr), nullString(v.Data), refs, nullTime(v.ImportTime))
	}
	if err != nil {
		return db.SanitizeError("upsert vuln", err)
	}
	return nil
}

func upsertNote(ctx context.Context, tx *sqlx.Tx, hostID int64, serviceID sql.NullInt64, n *parser.Note) error {
	var id int64
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM note
		WHERE host_id = $1 AND xtype = $2
			AND service_id IS NOT DISTINCT FROM $3 AND via_target IS NOT DISTINCT FROM $4
		LIMIT 1`, hostID, n.XType, serviceID, nullString(n.ViaTarget))

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO note (host_id, service_id, via_target, xtype, data, import_time)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			hostID, serviceID, nullString(n.ViaTarget), n.XType, nullString(n.Data), nullTime(n.ImportTime))
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE note SET data = $2, import_time = $3, modified = NOW() AT TIME ZONE 'utc'
			WHERE id = $1`, id, nullString(n.Data), nullTime(n.ImportTime))
	}
	if err != nil {
		return db.SanitizeError("upsert note", err)
	}
	return nil
}

func (p *Postgres) chunks(ids []int64) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += p.chunkSize {
		end := min(start+p.chunkSize, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

// touchRescan sets rescan_time of the given rows in chunks.
func (p *Postgres) touchRescan(ctx context.Context, table string, ids []int64, now time.Time) error {
	query := `UPDATE ` + table + ` SET rescan_time = $1 WHERE id = ANY($2)`
	for _, chunk := range p.chunks(ids) {
		if _, err := p.db.ExecContext(ctx, query, now, pq.Array(chunk)); err != nil {
			return db.SanitizeError("update rescan time", err)
		}
	}
	return nil
}

// RescanHosts implements Storage.
func (p *Postgres) RescanHosts(ctx context.Context, interval time.Duration) ([]string, error) {
	now := time.Now().UTC()
	var rows []struct {
		ID      int64  `db:"id"`
		Address string `db:"address"`
	}
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, host(address) AS address FROM host WHERE rescan_time < $1 ORDER BY id`, now.Add(-interval))
	if err != nil {
		return nil, db.SanitizeError("select rescan hosts", err)
	}

	ids := make([]int64, len(rows))
	addresses := make([]string, len(rows))
	for i, row := range rows {
		ids[i], addresses[i] = row.ID, row.Address
	}
	if err := p.touchRescan(ctx, "host", ids, now); err != nil {
		return nil, err
	}
	return addresses, nil
}

// RescanServices implements Storage.
func (p *Postgres) RescanServices(ctx context.Context, interval time.Duration) ([]Endpoint, error) {
	now := time.Now().UTC()
	var rows []struct {
		ID int64 `db:"id"`
		Endpoint
	}
	err := p.db.SelectContext(ctx, &rows, `
		SELECT s.id, host(h.address) AS address, s.proto, s.port
		FROM service s JOIN host h ON h.id = s.host_id
		WHERE s.rescan_time < $1 AND s.state ILIKE 'open:%'
		ORDER BY s.id`, now.Add(-interval))
	if err != nil {
		return nil, db.SanitizeError("select rescan services", err)
	}

	ids := make([]int64, len(rows))
	endpoints := make([]Endpoint, len(rows))
	for i, row := range rows {
		ids[i], endpoints[i] = row.ID, row.Endpoint
	}
	if err := p.touchRescan(ctx, "service", ids, now); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// Cleanup implements Storage.
func (p *Postgres) Cleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{}
	err := p.db.InTx(ctx, "cleanup storage", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM service WHERE state IS NULL OR state NOT ILIKE 'open:%'`)
		if err != nil {
			return db.SanitizeError("cleanup services", err)
		}
		result.Services, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM host h
			WHERE h.hostname IS NULL AND h.os IS NULL AND h.comment IS NULL
				AND NOT EXISTS (SELECT 1 FROM service s WHERE s.host_id = h.id)
				AND NOT EXISTS (SELECT 1 FROM vuln v WHERE v.host_id = h.id)
				AND NOT EXISTS (SELECT 1 FROM note n WHERE n.host_id = h.id)`)
		if err != nil {
			return db.SanitizeError("cleanup hosts", err)
		}
		result.Hosts, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Storage cleanup finished", "services", result.Services, "hosts", result.Hosts)
	return result, nil
}

// SixAddresses implements Storage.
func (p *Postgres) SixAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := p.db.SelectContext(ctx, &addresses,
		`SELECT host(address) FROM host WHERE family(address) = 6 ORDER BY address`)
	if err != nil {
		return nil, db.SanitizeError("select ipv6 addresses", err)
	}
	return addresses, nil
}

// OpenServices implements Storage.
func (p *Postgres) OpenServices(ctx context.Context, proto string, port int) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := p.db.SelectContext(ctx, &endpoints, `
		SELECT host(h.address) AS address, s.proto, s.port
		FROM service s JOIN host h ON h.id = s.host_id
		WHERE s.proto = $1 AND s.port = $2 AND s.state ILIKE 'open:%'
		ORDER BY h.address`, proto, port)
	if err != nil {
		return nil, db.SanitizeError("select open services", err)
	}
	return endpoints, nil
}

type storedVuln struct {
	ID        int64          `db:"id"`
	Address   string         `db:"address"`
	Name      string         `db:"name"`
	XType     string         `db:"xtype"`
	Proto     sql.NullString `db:"proto"`
	Port      sql.NullInt64  `db:"port"`
	ViaTarget sql.NullString `db:"via_target"`
}

func (v storedVuln) key() parser.VulnKey {
	return parser.VulnKey{
		Address:   v.Address,
		Name:      v.Name,
		XType:     v.XType,
		Proto:     v.Proto.String,
		Port:      int(v.Port.Int64),
		ViaTarget: v.ViaTarget.String,
	}
}

// PruneNucleiVulns implements Storage.
func (p *Postgres) PruneNucleiVulns(ctx context.Context, items *parser.ParsedItems) (int64, error) {
	keep := map[parser.VulnKey]struct{}{}
	seen := map[[2]string]struct{}{}
	var addresses, viaTargets []string
	for _, v := range items.Vulns {
		keep[v.Key()] = struct{}{}
		pair := [2]string{v.Address, v.ViaTarget}
		if _, ok := seen[pair]; !ok {
			seen[pair] = struct{}{}
			addresses = append(addresses, v.Address)
			viaTargets = append(viaTargets, v.ViaTarget)
		}
	}
	if len(addresses) == 0 {
		return 0, nil
	}

	var pruned int64
	err := p.db.InTx(ctx, "prune nuclei vulns", func(tx *sqlx.Tx) error {
		var stored []storedVuln
		err := tx.SelectContext(ctx, &stored, `
			SELECT v.id, host(h.address) AS address, v.name, v.xtype, s.proto, s.port, v.via_target
			FROM vuln v
			JOIN host h ON h.id = v.host_id
			LEFT JOIN service s ON s.id = v.service_id
			WHERE v.xtype LIKE 'nuclei.%'
				AND (host(h.address), COALESCE(v.via_target, '')) IN (
					SELECT * FROM unnest($1::text[], $2::text[]))`,
			pq.Array(addresses), pq.Array(viaTargets))
		if err != nil {
			return db.SanitizeError("select nuclei vulns", err)
		}

		var stale []int64
		for _, v := range stored {
			if _, ok := keep[v.key()]; !ok {
				stale = append(stale, v.ID)
			}
		}
		if len(stale) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM vuln WHERE id = ANY($1)`, pq.Array(stale))
		if err != nil {
			return db.SanitizeError("prune nuclei vulns", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// PruneSportmapNotes implements Storage.
func (p *Postgres) PruneSportmapNotes(ctx context.Context, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM note
		WHERE xtype = 'sportmap' AND host_id IN (SELECT id FROM host WHERE address = ANY($1::inet[]))`,
		pq.Array(addresses))
	if err != nil {
		return 0, db.SanitizeError("prune sportmap notes", err)
	}
	return res.RowsAffected()
}

type versioninfoRow struct {
	HostID       int64          `db:"host_id"`
	HostAddress  string         `db:"host_address"`
	HostHostname sql.NullString `db:"host_hostname"`
	ServiceProto string         `db:"service_proto"`
	ServicePort  int            `db:"service_port"`
	Info         string         `db:"info"`
	Product      string         `db:"product"`
	Version      sql.NullString `db:"version"`
}

// RebuildVersioninfo implements Storage.
func (p *Postgres) RebuildVersioninfo(ctx context.Context) (int, error) {
	var count int
	err := p.db.InTx(ctx, "rebuild versioninfo", func(tx *sqlx.Tx) error {
		var services []versioninfoRow
		err := tx.SelectContext(ctx, &services, `
			SELECT h.id AS host_id, host(h.address) AS host_address, h.hostname AS host_hostname,
				s.proto AS service_proto, s.port AS service_port, s.info
			FROM service s JOIN host h ON h.id = s.host_id
			WHERE s.info IS NOT NULL AND s.info != ''
			ORDER BY s.id`)
		if err != nil {
			return db.SanitizeError("select service info", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM versioninfo`); err != nil {
			return db.SanitizeError("clear versioninfo", err)
		}

		var rows []versioninfoRow
		for _, svc := range services {
			product, version, ok := ParseServiceInfo(svc.Info)
			if !ok {
				continue
			}
			svc.Product, svc.Version = product, nullString(version)
			rows = append(rows, svc)
		}

		for start := 0; start < len(rows); start += p.chunkSize {
			chunk := rows[start:min(start+p.chunkSize, len(rows))]
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO versioninfo
					(host_id, host_address, host_hostname, service_proto, service_port, product, version)
				VALUES
					(:host_id, :host_address, :host_hostname, :service_proto, :service_port, :product, :version)`,
				chunk)
			if err != nil {
				return db.SanitizeError("insert versioninfo", err)
			}
		}
		count = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.logger.Info("Versioninfo map rebuilt", "entries", count)
	return count, nil
}

// OutOfScope implements Storage.
func (p *Postgres) OutOfScope(ctx context.Context, scope, vulnScope []string, prune bool) (*OutOfScopeReport, error) {
	report := &OutOfScopeReport{Pruned: prune}
	if scope == nil {
		scope = []string{}
	}
	if vulnScope == nil {
		vulnScope = []string{}
	}

	err := p.db.InTx(ctx, "out of scope check", func(tx *sqlx.Tx) error {
		var hostIDs, vulnIDs, noteIDs []int64
		if err := tx.SelectContext(ctx, &hostIDs,
			`SELECT id FROM host WHERE NOT (address <<= ANY($1::inet[]))`, pq.Array(scope)); err != nil {
			return db.SanitizeError("select out of scope hosts", err)
		}
		if err := tx.SelectContext(ctx, &vulnIDs, `
			SELECT v.id FROM vuln v JOIN host h ON h.id = v.host_id
			WHERE v.xtype ILIKE 'nuclei.%' AND NOT (h.address <<= ANY($1::inet[]))`, pq.Array(vulnScope)); err != nil {
			return db.SanitizeError("select out of scope vulns", err)
		}
		if err := tx.SelectContext(ctx, &noteIDs, `
			SELECT n.id FROM note n JOIN host h ON h.id = n.host_id
			WHERE n.xtype = 'sportmap' AND NOT (h.address <<= ANY($1::inet[]))`, pq.Array(vulnScope)); err != nil {
			return db.SanitizeError("select out of scope notes", err)
		}
		report.Hosts, report.Vulns, report.Notes = int64(len(hostIDs)), int64(len(vulnIDs)), int64(len(noteIDs))

		if err := tx.QueryRowxContext(ctx, `
			SELECT (SELECT COUNT(*) FROM host), (SELECT COUNT(*) FROM vuln), (SELECT COUNT(*) FROM note)`).
			Scan(&report.TotalHosts, &report.TotalVulns, &report.TotalNotes); err != nil {
			return db.SanitizeError("count storage", err)
		}

		if !prune {
			return nil
		}
		for _, del := range []struct {
			query string
			ids   []int64
		}{
			{`DELETE FROM vuln WHERE id = ANY($1)`, vulnIDs},
			{`DELETE FROM note WHERE id = ANY($1)`, noteIDs},
			{`DELETE FROM host WHERE id = ANY($1)`, hostIDs},
		} {
			if len(del.ids) == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, del.query, pq.Array(del.ids)); err != nil {
				return db.SanitizeError("prune out of scope", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
