package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	writes int
	closed int
	err    error
}

func (f *fakeSession) ExecuteWrite(_ context.Context, _ neo4j.ManagedTransactionWork, _ ...func(*neo4j.TransactionConfig)) (any, error) {
	f.writes++
	return nil, f.err
}

func (f *fakeSession) Close(context.Context) error {
	f.closed++
	return nil
}

type fakeDriver struct {
	session *fakeSession
	configs []neo4j.SessionConfig
	closed  bool
}

func (f *fakeDriver) NewSession(_ context.Context, config neo4j.SessionConfig) SessionRunner {
	f.configs = append(f.configs, config)
	return f.session
}

func (f *fakeDriver) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestRecordEdgeUsesWriteSession(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{session: &fakeSession{}}
	rec := New(driver, nil)
	require.NoError(t, rec.RecordEdge(context.Background(), "https://a.example/", "https://b.example/x", 1))
	require.Equal(t, 1, driver.session.writes)
	require.Equal(t, 1, driver.session.closed)
	require.Equal(t, neo4j.AccessModeWrite, driver.configs[0].AccessMode)

	driver.session.err = errors.New("unavailable")
	require.Error(t, rec.RecordEdge(context.Background(), "https://a.example/", "https://c.example/", 1))
	require.Equal(t, 2, driver.session.closed)

	require.NoError(t, rec.Close(context.Background()))
	require.True(t, driver.closed)
}

func TestEdgeQuery(t *testing.T) {
	t.Parallel()

	query, params := edgeQuery("https://www.bls.gov/cpi/", "https://fred.stlouisfed.org/series/CPIAUCSL", 2)
	require.True(t, strings.HasPrefix(query, "MERGE (from:Page {url: $from})"))
	require.Contains(t, query, "MERGE (from)-[r:LINKS_TO]->(to)")
	require.Equal(t, "bls.gov", params["fromDomain"])
	require.Equal(t, "stlouisfed.org", params["toDomain"])
	require.Equal(t, 2, params["depth"])
}

func TestOpenRequiresURI(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "neo4j", "secret", nil)
	require.Error(t, err)
}
