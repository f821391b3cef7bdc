// Package neo4j records the spider's link graph in Neo4j.
package neo4j

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/JakeFAU/scout/internal/crawler"
)

// SessionRunner abstracts neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner abstracts neo4j.DriverWithContext.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

type driverAdapter struct {
	driver neo4j.DriverWithContext
}

func (d *driverAdapter) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *driverAdapter) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Recorder implements spider.EdgeRecorder.
type Recorder struct {
	driver DriverSessioner
	logger *zap.Logger
}

// Open connects to uri and verifies connectivity.
func Open(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	if uri == "" {
		return nil, errors.New("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return New(&driverAdapter{driver: driver}, logger), nil
}

// New wraps an existing driver.
func New(driver DriverSessioner, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{driver: driver, logger: logger.Named("graph")}
}

// RecordEdge merges both pages and a LINKS_TO relationship between them.
func (r *Recorder) RecordEdge(ctx context.Context, from, to string, depth int) error {
	query, params := edgeQuery(from, to, depth)
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			r.logger.Warn("neo4j session close", zap.Error(err))
		}
	}()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	if err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	return nil
}

// Close releases the driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func edgeQuery(from, to string, depth int) (string, map[string]any) {
	query := "MERGE (from:Page {url: $from}) " +
		"ON CREATE SET from.domain = $fromDomain " +
		"MERGE (to:Page {url: $to}) " +
		"ON CREATE SET to.domain = $toDomain, to.depth = $depth " +
		"MERGE (from)-[r:LINKS_TO]->(to) " +
		"ON CREATE SET r.first_seen = timestamp()"
	return query, map[string]any{
		"from":       from,
		"to":         to,
		"fromDomain": crawler.RegistrableDomain(from),
		"toDomain":   crawler.RegistrableDomain(to),
		"depth":      depth,
	}
}
