package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/normalize"
	"github.com/talentgraph/backend/pkg/circuitbreaker"
	"github.com/talentgraph/backend/pkg/logger"
	"github.com/talentgraph/backend/pkg/retry"
)

// Client maintains the endorsement graph: (:Person)-[:ENDORSES {skill}]->(:Person).
// The graph is a rank-time signal, not a source of truth; it can be rebuilt
// from endorsement facts at any time.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("graph", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Graph client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) execute(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// ReplaceEndorsements swaps the inbound endorsement edges for one owner. The
// per-owner replace keeps the graph consistent with the owner's current
// endorsement source, mirroring how facts are replaced per source.
func (c *Client) ReplaceEndorsements(ctx context.Context, ownerID string, endorsements []normalize.Endorsement) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			_, err := tx.Run(ctx, `
				MATCH (:Person)-[r:ENDORSES]->(p:Person {id: $owner})
				DELETE r
			`, map[string]interface{}{"owner": ownerID})
			if err != nil {
				return nil, err
			}

			for _, e := range endorsements {
				_, err := tx.Run(ctx, `
					MERGE (endorser:Person {id: $endorser})
					MERGE (owner:Person {id: $owner})
					MERGE (endorser)-[r:ENDORSES {skill: $skill}]->(owner)
					SET r.updated_at = timestamp()
				`, map[string]interface{}{
					"endorser": e.EndorserID,
					"owner":    e.OwnerID,
					"skill":    e.Skill,
				})
				if err != nil {
					return nil, err
				}
			}

			return nil, nil
		})
		return err
	})
}

// EndorsementCounts returns, per owner, how many distinct endorsers back any
// of the given skills. Used as a rank boost at query time.
func (c *Client) EndorsementCounts(ctx context.Context, skills []string) (map[string]int, error) {
	counts := make(map[string]int)
	if len(skills) == 0 {
		return counts, nil
	}

	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (endorser:Person)-[r:ENDORSES]->(owner:Person)
			WHERE r.skill IN $skills
			RETURN owner.id AS owner, count(DISTINCT endorser) AS endorsers
		`, map[string]interface{}{"skills": skills})
		if err != nil {
			return err
		}

		for result.Next(ctx) {
			record := result.Record()
			owner, _ := record.Get("owner")
			n, _ := record.Get("endorsers")

			ownerID, ok := owner.(string)
			if !ok {
				continue
			}
			if count, ok := n.(int64); ok {
				counts[ownerID] = int(count)
			}
		}

		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query endorsement counts: %w", err)
	}

	logger.Debug("Endorsement counts fetched",
		zap.Int("skills", len(skills)),
		zap.Int("owners", len(counts)),
	)

	return counts, nil
}
