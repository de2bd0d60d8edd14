// Package graph maintains the resource dependency graph in neo4j. Blast
// radius estimates read neighbor and path counts from here; a resource with
// no graph data must never be called safe, so absence is surfaced, not
// papered over.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Resource) ON (n.accountId)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Service) ON (n.name)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

func (g *Graph) UpsertResource(ctx context.Context, rec *evidence.Record) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (r:Resource {id: $id})
		SET r.name = $name,
			r.resourceType = $resourceType,
			r.accountId = $accountId,
			r.region = $region,
			r.publicAccess = $publicAccess
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":           rec.ResourceID,
		"name":         rec.Name,
		"resourceType": string(rec.ResourceType),
		"accountId":    rec.AccountID,
		"region":       rec.Region,
		"publicAccess": rec.PublicAccess,
	})

	return err
}

// CreateDependency records that source cannot function without target.
// Removing permissions on target therefore risks breaking source.
func (g *Graph) CreateDependency(ctx context.Context, sourceID, targetID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (s:Resource {id: $sourceId})
		MATCH (t:Resource {id: $targetId})
		MERGE (s)-[:DEPENDS_ON]->(t)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"sourceId": sourceID,
		"targetId": targetID,
	})

	return err
}

func (g *Graph) CreateTrustEdge(ctx context.Context, principalID, roleID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (p:Resource {id: $principalId})
		MATCH (r:Resource {id: $roleId})
		MERGE (p)-[:CAN_ASSUME]->(r)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"principalId": principalID,
		"roleId":      roleID,
	})

	return err
}

// TagService links a resource to the named workload so impacted services
// can be listed on triage cards.
func (g *Graph) TagService(ctx context.Context, resourceID, serviceName string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (s:Service {name: $serviceName})
		WITH s
		MATCH (r:Resource {id: $resourceId})
		MERGE (r)-[:PART_OF]->(s)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"resourceId":  resourceID,
		"serviceName": serviceName,
	})

	return err
}

// Neighborhood is what the blast radius estimator consumes for one resource.
// Known reports whether the resource exists in the graph at all; when false
// the estimate has to stay UNKNOWN.
type Neighborhood struct {
	ResourceID       string   `json:"resource_id"`
	Known            bool     `json:"known"`
	Neighbors        int      `json:"neighbors"`
	CriticalPaths    int      `json:"critical_paths"`
	ImpactedServices []string `json:"impacted_services"`
}

func (g *Graph) Neighborhood(ctx context.Context, resourceID string) (*Neighborhood, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	n := &Neighborhood{ResourceID: resourceID}

	query := `
		MATCH (r:Resource {id: $id})
		OPTIONAL MATCH (dep:Resource)-[:DEPENDS_ON|CAN_ASSUME]->(r)
		RETURN count(dep) as neighbors
	`

	result, err := session.Run(ctx, query, map[string]interface{}{"id": resourceID})
	if err != nil {
		return nil, fmt.Errorf("counting neighbors: %w", err)
	}
	if result.Next(ctx) {
		n.Known = true
		neighbors, _ := result.Record().Get("neighbors")
		n.Neighbors = int(neighbors.(int64))
	}
	if !n.Known {
		return n, nil
	}

	// Multi-hop chains ending at the resource. A long dependency chain means
	// a policy change here ripples further than the direct neighbor count
	// suggests.
	query = `
		MATCH path = (src:Resource)-[:DEPENDS_ON|CAN_ASSUME*2..4]->(r:Resource {id: $id})
		RETURN count(DISTINCT src) as paths
	`

	result, err = session.Run(ctx, query, map[string]interface{}{"id": resourceID})
	if err != nil {
		return nil, fmt.Errorf("counting critical paths: %w", err)
	}
	if result.Next(ctx) {
		paths, _ := result.Record().Get("paths")
		n.CriticalPaths = int(paths.(int64))
	}

	query = `
		MATCH (dep:Resource)-[:DEPENDS_ON|CAN_ASSUME]->(r:Resource {id: $id})
		MATCH (dep)-[:PART_OF]->(s:Service)
		RETURN DISTINCT s.name as name
		ORDER BY name
	`

	result, err = session.Run(ctx, query, map[string]interface{}{"id": resourceID})
	if err != nil {
		return nil, fmt.Errorf("listing impacted services: %w", err)
	}
	for result.Next(ctx) {
		name, _ := result.Record().Get("name")
		n.ImpactedServices = append(n.ImpactedServices, name.(string))
	}

	return n, nil
}

// Enrich fills the dependency fields of every record that the graph knows
// about. Records missing from the graph keep GraphAvailable false.
func (g *Graph) Enrich(ctx context.Context, snapshot *evidence.Snapshot) error {
	for i := range snapshot.Records {
		rec := &snapshot.Records[i]
		n, err := g.Neighborhood(ctx, rec.ResourceID)
		if err != nil {
			return fmt.Errorf("enriching %s: %w", rec.ResourceID, err)
		}
		if !n.Known {
			continue
		}
		rec.GraphAvailable = true
		rec.NeighborCount = n.Neighbors
		rec.CriticalPaths = n.CriticalPaths
		rec.ImpactedServices = n.ImpactedServices
	}

	for i := range snapshot.Sources {
		if snapshot.Sources[i].Name == "dependency-graph" {
			snapshot.Sources[i].Available = true
			return nil
		}
	}
	snapshot.Sources = append(snapshot.Sources, models.EvidenceSource{Name: "dependency-graph", Available: true})
	return nil
}

// Ingest loads a snapshot's resources and trust edges into the graph.
func (g *Graph) Ingest(ctx context.Context, snapshot *evidence.Snapshot) error {
	byName := make(map[string]string, len(snapshot.Records))
	for i := range snapshot.Records {
		rec := &snapshot.Records[i]
		if err := g.UpsertResource(ctx, rec); err != nil {
			return fmt.Errorf("upserting %s: %w", rec.ResourceID, err)
		}
		byName[rec.Name] = rec.ResourceID
	}

	for i := range snapshot.Records {
		rec := &snapshot.Records[i]
		for _, principal := range rec.TrustedPrincipals {
			principalID, ok := byName[principal]
			if !ok {
				continue
			}
			if err := g.CreateTrustEdge(ctx, principalID, rec.ResourceID); err != nil {
				return fmt.Errorf("trust edge %s -> %s: %w", principalID, rec.ResourceID, err)
			}
		}
	}

	return nil
}

type Stats struct {
	Resources int `json:"resources"`
	Edges     int `json:"edges"`
	Services  int `json:"services"`
}

func (g *Graph) GetStats(ctx context.Context) (*Stats, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stats := &Stats{}

	result, err := session.Run(ctx, `MATCH (r:Resource) RETURN count(r) as count`, nil)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.Resources = int(count.(int64))
	}

	result, err = session.Run(ctx, `MATCH ()-[e:DEPENDS_ON|CAN_ASSUME]->() RETURN count(e) as count`, nil)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.Edges = int(count.(int64))
	}

	result, err = session.Run(ctx, `MATCH (s:Service) RETURN count(s) as count`, nil)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.Services = int(count.(int64))
	}

	return stats, nil
}
