package uiauto

import "context"

// Snapshot is one fetched UI tree, letting a caller evaluate several probes
// against the same screen for the cost of a single round trip.
type Snapshot struct {
	nodes []Node
}

func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	nodes, err := c.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{nodes: nodes}, nil
}

func (s *Snapshot) Exists(m Matcher) bool { return findFirst(s.nodes, m) != nil }

func (s *Snapshot) Find(m Matcher) *Node { return findFirst(s.nodes, m) }

func (s *Snapshot) FindAll(m Matcher) []*Node { return findAll(s.nodes, m) }
