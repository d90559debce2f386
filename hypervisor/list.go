package hypervisor

import (
	"fmt"

	"github.com/projecteru2/xenops/types"
)

// ListBatchSize is the number of records requested per enumeration call.
const ListBatchSize = 1024

// ListDomains walks the domain table in chunks of ListBatchSize. Each chunk
// starts one past the highest id seen so far, so the walk always moves
// forward even if a chunk repeats records; an empty chunk ends it.
func (c *Conn) ListDomains() ([]types.DomainInfo, error) {
	var (
		out    []types.DomainInfo
		seen   = make(map[types.DomainID]struct{})
		cursor types.DomainID
	)
	for {
		chunk, err := c.h.ListDomains(cursor, ListBatchSize)
		if err != nil {
			return nil, c.lastError(err, "list domains from %d", cursor)
		}
		if len(chunk) == 0 {
			return out, nil
		}
		highest := cursor
		for _, info := range chunk {
			if info.ID >= highest {
				highest = info.ID
			}
			if _, dup := seen[info.ID]; dup {
				continue
			}
			seen[info.ID] = struct{}{}
			out = append(out, info)
		}
		if highest == ^types.DomainID(0) {
			return out, nil
		}
		cursor = highest + 1
	}
}

// DomainInfo returns the record for id alone.
func (c *Conn) DomainInfo(id types.DomainID) (*types.DomainInfo, error) {
	chunk, err := c.h.ListDomains(id, 1)
	if err != nil {
		return nil, c.lastError(err, "get info of domain %d", id)
	}
	if len(chunk) != 1 || chunk[0].ID != id {
		return nil, fmt.Errorf("domain %d: %w", id, ErrNoSuchDomain)
	}
	info := chunk[0]
	return &info, nil
}
