package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/parser"
)

func newTestStorage(t *testing.T, chunkSize int) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewPostgres(db.New(sqlx.NewDb(conn, "sqlmock")), chunkSize, nil), mock
}

func TestParseServiceInfo(t *testing.T) {
	tests := []struct {
		info            string
		product, version string
		ok              bool
	}{
		{"product: OpenSSH version: 8.9p1 extrainfo: Ubuntu Linux", "openssh", "8.9p1", true},
		{"product: nginx", "nginx", "", true},
		{"product: Apache httpd extrainfo: (Debian)", "apache httpd", "", true},
		{"product: Microsoft IIS httpd version: 10.0", "microsoft iis httpd", "10.0", true},
		{"version: 1.0", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.info, func(t *testing.T) {
			product, version, ok := ParseServiceInfo(tt.info)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.product, product)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestImport(t *testing.T) {
	s, mock := newTestStorage(t, 0)
	ctx := context.Background()

	items := parser.NewParsedItems()
	items.UpsertHost("192.0.2.1").AddHostname("a.example.com")
	svc := items.UpsertService("192.0.2.1", "tcp", 443)
	svc.State = "open:syn-ack"
	items.UpsertVuln(&parser.Vuln{Address: "192.0.2.1", Service: &parser.ServiceRef{Proto: "tcp", Port: 443},
		ViaTarget: "a.example.com", Name: "TLS weak", XType: "nuclei.weak-cipher", Severity: "low"})
	items.UpsertNote(&parser.Note{Address: "192.0.2.1", XType: "nmap.smb-os-discovery", Data: "{}"})

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO host").
		WithArgs("192.0.2.1", "a.example.com", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectQuery("SELECT id FROM note").
		WithArgs(5, "hostnames", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO note").
		WithArgs(5, nil, nil, "hostnames", `["a.example.com"]`, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO service").
		WithArgs(5, "tcp", 443, "open:syn-ack", nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectQuery("SELECT id FROM vuln").
		WithArgs(5, "TLS weak", "nuclei.weak-cipher", 9, "a.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec("UPDATE vuln SET severity").
		WithArgs(3, "low", nil, nil, pq.StringArray{}, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM note").
		WithArgs(5, "nmap.smb-os-discovery", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO note").
		WithArgs(5, nil, nil, "nmap.smb-os-discovery", "{}", nil).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Import(ctx, items))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportEmpty(t *testing.T) {
	s, mock := newTestStorage(t, 0)
	require.NoError(t, s.Import(context.Background(), parser.NewParsedItems()))
	require.NoError(t, s.Import(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescanHostsChunked(t *testing.T) {
	s, mock := newTestStorage(t, 2)

	mock.ExpectQuery(`SELECT id, host\(address\) AS address FROM host WHERE rescan_time`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address"}).
			AddRow(1, "192.0.2.1").AddRow(2, "2001:db8::1").AddRow(3, "192.0.2.3"))
	mock.ExpectExec("UPDATE host SET rescan_time").
		WithArgs(sqlmock.AnyArg(), pq.Int64Array{1, 2}).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE host SET rescan_time").
		WithArgs(sqlmock.AnyArg(), pq.Int64Array{3}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	hosts, err := s.RescanHosts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1", "2001:db8::1", "192.0.2.3"}, hosts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescanServices(t *testing.T) {
	s, mock := newTestStorage(t, 10)

	mock.ExpectQuery("FROM service s JOIN host h").
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "proto", "port"}).
			AddRow(4, "192.0.2.1", "tcp", 22))
	mock.ExpectExec("UPDATE service SET rescan_time").
		WithArgs(sqlmock.AnyArg(), pq.Int64Array{4}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	services, err := s.RescanServices(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Address: "192.0.2.1", Proto: "tcp", Port: 22}}, services)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	s, mock := newTestStorage(t, 0)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM service WHERE state IS NULL OR state NOT ILIKE").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM host h").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	result, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &CleanupResult{Services: 4, Hosts: 2}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSixAddressesAndOpenServices(t *testing.T) {
	s, mock := newTestStorage(t, 0)
	ctx := context.Background()

	mock.ExpectQuery(`WHERE family\(address\) = 6`).
		WillReturnRows(sqlmock.NewRows([]string{"host"}).AddRow("2001:db8::1").AddRow("2001:db8::2"))
	mock.ExpectQuery("WHERE s.proto = \\$1 AND s.port = \\$2").
		WithArgs("tcp", 443).
		WillReturnRows(sqlmock.NewRows([]string{"address", "proto", "port"}).AddRow("192.0.2.1", "tcp", 443))

	six, err := s.SixAddresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1", "2001:db8::2"}, six)

	endpoints, err := s.OpenServices(ctx, "tcp", 443)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Address: "192.0.2.1", Proto: "tcp", Port: 443}}, endpoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneNucleiVulns(t *testing.T) {
	s, mock := newTestStorage(t, 0)

	items := parser.NewParsedItems()
	items.UpsertVuln(&parser.Vuln{Address: "192.0.2.1", Service: &parser.ServiceRef{Proto: "tcp", Port: 443},
		ViaTarget: "www.example.com", Name: "Kept", XType: "nuclei.kept"})

	mock.ExpectBegin()
	mock.ExpectQuery("FROM vuln v").
		WithArgs(pq.StringArray{"192.0.2.1"}, pq.StringArray{"www.example.com"}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "name", "xtype", "proto", "port", "via_target"}).
			AddRow(1, "192.0.2.1", "Kept", "nuclei.kept", "tcp", 443, "www.example.com").
			AddRow(2, "192.0.2.1", "Gone", "nuclei.gone", "tcp", 443, "www.example.com").
			AddRow(3, "192.0.2.1", "Kept", "nuclei.kept", nil, nil, "www.example.com"))
	mock.ExpectExec("DELETE FROM vuln WHERE id = ANY").
		WithArgs(pq.Int64Array{2, 3}).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	pruned, err := s.PruneNucleiVulns(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneNucleiVulnsNothingReported(t *testing.T) {
	s, mock := newTestStorage(t, 0)
	pruned, err := s.PruneNucleiVulns(context.Background(), parser.NewParsedItems())
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneSportmapNotes(t *testing.T) {
	s, mock := newTestStorage(t, 0)

	mock.ExpectExec("DELETE FROM note").
		WithArgs(pq.StringArray{"192.0.2.1", "192.0.2.2"}).
		WillReturnResult(sqlmock.NewResult(0, 3))

	pruned, err := s.PruneSportmapNotes(context.Background(), []string{"192.0.2.1", "192.0.2.2"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	pruned, err = s.PruneSportmapNotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildVersioninfo(t *testing.T) {
	s, mock := newTestStorage(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT h.id AS host_id").
		WillReturnRows(sqlmock.NewRows([]string{"host_id", "host_address", "host_hostname", "service_proto", "service_port", "info"}).
			AddRow(1, "192.0.2.1", nil, "tcp", 22, "product: OpenSSH version: 8.9p1 extrainfo: Ubuntu").
			AddRow(2, "192.0.2.2", "h.example.com", "tcp", 80, "unrecognized banner"))
	mock.ExpectExec("DELETE FROM versioninfo").WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("INSERT INTO versioninfo").
		WithArgs(1, "192.0.2.1", nil, "tcp", 22, "openssh", "8.9p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	count, err := s.RebuildVersioninfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutOfScope(t *testing.T) {
	scope := []string{"192.0.2.0/24", "2001:db8::/32"}
	vulnScope := []string{"192.0.2.0/25"}

	t.Run("report", func(t *testing.T) {
		s, mock := newTestStorage(t, 0)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM host WHERE NOT").
			WithArgs(pq.StringArray(scope)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
		mock.ExpectQuery("FROM vuln v JOIN host h").
			WithArgs(pq.StringArray(vulnScope)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery("FROM note n JOIN host h").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT \(SELECT COUNT`).
			WillReturnRows(sqlmock.NewRows([]string{"hosts", "vulns", "notes"}).AddRow(10, 5, 3))
		mock.ExpectCommit()

		report, err := s.OutOfScope(context.Background(), scope, vulnScope, false)
		require.NoError(t, err)
		assert.Equal(t, &OutOfScopeReport{Hosts: 2, Vulns: 1, Notes: 0, TotalHosts: 10, TotalVulns: 5, TotalNotes: 3},
			report)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("prune", func(t *testing.T) {
		s, mock := newTestStorage(t, 0)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id FROM host WHERE NOT").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery("FROM vuln v JOIN host h").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery("FROM note n JOIN host h").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT \(SELECT COUNT`).
			WillReturnRows(sqlmock.NewRows([]string{"hosts", "vulns", "notes"}).AddRow(1, 1, 0))
		mock.ExpectExec("DELETE FROM vuln WHERE id = ANY").
			WithArgs(pq.Int64Array{7}).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM host WHERE id = ANY").
			WithArgs(pq.Int64Array{1}).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		report, err := s.OutOfScope(context.Background(), scope, vulnScope, true)
		require.NoError(t, err)
		assert.True(t, report.Pruned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
