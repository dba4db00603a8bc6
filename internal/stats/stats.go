// Package stats maps cluster sessions onto tenants through their declared
// database bindings.
package stats

import (
	"strings"

	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

type TenantStats struct {
	TotalSessions int
	Databases     map[string]int // keyed by the binding's declared name
}

// Binding is the tenant/database pair a session resolved to.
type Binding struct {
	TenantID string
	Database string
}

// Index resolves sessions to tenants. Names and remote ids are matched
// case-insensitively.
type Index struct {
	byName     map[string]Binding
	byRemoteID map[string]Binding
}

func NewIndex(tenants []store.Tenant) *Index {
	idx := &Index{
		byName:     make(map[string]Binding),
		byRemoteID: make(map[string]Binding),
	}
	for _, t := range tenants {
		for _, db := range t.Databases {
			b := Binding{TenantID: t.ID, Database: db.Name}
			if name := normalize(db.Name); name != "" {
				idx.byName[name] = b
			}
			if remote := normalize(db.RemoteID); remote != "" {
				idx.byRemoteID[remote] = b
			}
		}
	}
	return idx
}

// Resolve matches the session's resolved database name first and falls back
// to the binding's remote database id.
func (idx *Index) Resolve(s rac.Session) (Binding, bool) {
	if name := normalize(s.Database); name != "" {
		if b, ok := idx.byName[name]; ok {
			return b, true
		}
	}
	if remote := normalize(s.InfobaseID); remote != "" {
		if b, ok := idx.byRemoteID[remote]; ok {
			return b, true
		}
	}
	return Binding{}, false
}

// Compute counts sessions per tenant and per database. Sessions on
// databases no tenant declares are ignored.
func Compute(tenants []store.Tenant, sessions []rac.Session) map[string]*TenantStats {
	return computeWith(NewIndex(tenants), sessions)
}

func computeWith(idx *Index, sessions []rac.Session) map[string]*TenantStats {
	result := make(map[string]*TenantStats)
	for _, s := range sessions {
		b, ok := idx.Resolve(s)
		if !ok {
			continue
		}
		ts, exists := result[b.TenantID]
		if !exists {
			ts = &TenantStats{Databases: make(map[string]int)}
			result[b.TenantID] = ts
		}
		ts.TotalSessions++
		ts.Databases[b.Database]++
	}
	return result
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
